// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package queue

import (
	"context"
	"fmt"
)

// Pool is a queue backed by a fixed number of inner queues which are
// serviced concurrently. The pool size bounds how many items can run at
// once. Admission is FIFO even when every inner queue is occupied: excess
// items park on an overflow queue and transfer to the first queue that
// drains.
type Pool[T any] struct {
	queues   []*Queue[T]
	overflow *Queue[overflowItem[T]]
}

type overflowItem[T any] struct {
	key  string
	item T
}

// NewPool constructs a pool of size inner queues all running proc.
// Panics if size < 1, since a zero-width pool can never service anything.
func NewPool[T any](size int, proc ProcessFunc[T]) *Pool[T] {
	if size < 1 {
		panic(fmt.Sprintf("queue.NewPool: size %d must be at least 1", size))
	}
	p := &Pool[T]{}
	for i := 0; i < size; i++ {
		p.queues = append(p.queues, New(proc))
	}
	p.overflow = New(p.onOverflow)
	return p
}

// WaitingItems returns the number of items parked behind the pool waiting
// for a queue to free up.
func (p *Pool[T]) WaitingItems() int {
	return p.overflow.Size()
}

// Enqueue inserts the item into the first idle inner queue, or parks it on
// the overflow queue when all are busy. The returned Future resolves once
// the item itself has been processed, not merely admitted.
func (p *Pool[T]) Enqueue(key string, item T) *Future {
	if q := p.freeQueue(); q != nil {
		return q.Enqueue(key, item)
	}
	admitted := p.overflow.Enqueue(key, overflowItem[T]{key: key, item: item})
	fut := newFuture()
	go func() {
		val, err := admitted.Wait(context.Background())
		if err != nil {
			fut.resolve(nil, err)
			return
		}
		// The overflow processor hands back the inner queue's future; chain
		// onto it so callers observe the item's actual completion.
		inner := val.(*Future)
		fut.resolve(inner.Wait(context.Background()))
	}()
	return fut
}

// EnqueueAt targets a specific inner queue by index, bypassing the overflow
// queue. Index must be in [0, size).
func (p *Pool[T]) EnqueueAt(index int, key string, item T) (*Future, error) {
	if index < 0 || index >= len(p.queues) {
		return nil, fmt.Errorf("queue.Pool: index %d is out of bounds", index)
	}
	return p.queues[index].Enqueue(key, item), nil
}

// onOverflow runs when an item reaches the front of the overflow queue. It
// blocks until some inner queue is idle, then transfers the item there and
// returns the inner future for Enqueue to chain on.
func (p *Pool[T]) onOverflow(_ context.Context, req overflowItem[T]) (any, error) {
	for {
		if q := p.freeQueue(); q != nil {
			return q.Enqueue(req.key, req.item), nil
		}
		// Wait for any inner queue to drain, then re-check: a concurrent
		// Enqueue may have grabbed the slot first.
		freed := make(chan struct{}, len(p.queues))
		for _, q := range p.queues {
			go func() {
				<-q.OnceFree()
				select {
				case freed <- struct{}{}:
				default:
				}
			}()
		}
		<-freed
	}
}

func (p *Pool[T]) freeQueue() *Queue[T] {
	for _, q := range p.queues {
		if q.Size() == 0 {
			return q
		}
	}
	return nil
}
