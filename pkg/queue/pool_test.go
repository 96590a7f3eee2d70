// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsUpToSizeConcurrently(t *testing.T) {
	var inFlight, maxInFlight int32
	release := make(chan struct{})
	p := NewPool(3, func(_ context.Context, _ int) (any, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	})

	var futs []*Future
	for i := 0; i < 8; i++ {
		futs = append(futs, p.Enqueue(string(rune('a'+i)), i))
	}
	// Give the three inner queues time to pick up work.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&inFlight) == 3
	}, 5*time.Second, time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, f := range futs {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, atomic.LoadInt32(&maxInFlight))
}

func TestPoolOverflowPreservesAdmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	release := make(chan struct{})
	p := NewPool(1, func(_ context.Context, item int) (any, error) {
		<-release
		mu.Lock()
		order = append(order, item)
		mu.Unlock()
		return nil, nil
	})

	var futs []*Future
	for i := 0; i < 5; i++ {
		futs = append(futs, p.Enqueue(string(rune('a'+i)), i))
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, f := range futs {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPoolFutureResolvesWithResult(t *testing.T) {
	p := NewPool(2, func(_ context.Context, item string) (any, error) {
		return "got " + item, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	val, err := p.Enqueue("k", "thing").Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "got thing", val)
}

func TestPoolEnqueueAt(t *testing.T) {
	var mu sync.Mutex
	var items []string
	p := NewPool(2, func(_ context.Context, item string) (any, error) {
		mu.Lock()
		items = append(items, item)
		mu.Unlock()
		return nil, nil
	})

	_, err := p.EnqueueAt(5, "k", "x")
	require.Error(t, err)

	fut, err := p.EnqueueAt(1, "k", "x")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"x"}, items)
}

func TestNewPoolPanicsOnZeroSize(t *testing.T) {
	require.Panics(t, func() { NewPool[int](0, nil) })
}
