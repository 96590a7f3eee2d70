// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package queue provides a sequential keyed work queue and a
// bounded-concurrency pool built on top of it. The queue coalesces
// concurrent requests sharing an identity key into a single execution,
// which is what makes scarce-resource allocation (idents, IPv6
// addresses) safe under concurrent connection requests.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueKilled is returned by futures whose items were discarded by KillAll.
var ErrQueueKilled = errors.New("queue killed")

// ProcessFunc is the critical-section function invoked for each queued item.
// Only one invocation is in flight at any time per Queue instance.
type ProcessFunc[T any] func(ctx context.Context, item T) (any, error)

// Future is the pending result of an enqueued item. Multiple callers that
// enqueued the same key share a single Future.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(val any, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the item has been processed or ctx expires.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type queueItem[T any] struct {
	key  string
	item T
	fut  *Future
}

// Queue processes items strictly FIFO, one at a time. Enqueueing a key that
// is already pending or in flight returns the existing Future rather than
// scheduling a second execution.
type Queue[T any] struct {
	proc     ProcessFunc[T]
	interval time.Duration

	mu         sync.Mutex
	items      []*queueItem[T]
	processing *queueItem[T]
	onceFree   []chan struct{}
	wake       chan struct{}
}

// New constructs a queue which services items as soon as they reach the head.
func New[T any](proc ProcessFunc[T]) *Queue[T] {
	return NewWithInterval(proc, 0)
}

// NewWithInterval constructs a queue serviced at a fixed interval between
// items. An interval of zero means items are processed back to back.
func NewWithInterval[T any](proc ProcessFunc[T], interval time.Duration) *Queue[T] {
	q := &Queue[T]{
		proc:     proc,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
	go q.consume()
	return q
}

// Enqueue adds an item keyed by key. If an item with the same key is already
// pending or in flight, the Future for that earlier request is returned and
// the new item is dropped: the second caller observes the first caller's
// result, success or failure.
func (q *Queue[T]) Enqueue(key string, item T) *Future {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing != nil && q.processing.key == key {
		return q.processing.fut
	}
	for _, it := range q.items {
		if it.key == key {
			return it.fut
		}
	}
	it := &queueItem[T]{key: key, item: item, fut: newFuture()}
	q.items = append(q.items, it)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.fut
}

// Size returns the number of pending items, including the one in flight.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.processing != nil {
		n++
	}
	return n
}

// OnceFree returns a channel which is closed once the queue is empty. If the
// queue is already empty the returned channel is closed immediately.
func (q *Queue[T]) OnceFree() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan struct{})
	if len(q.items) == 0 && q.processing == nil {
		close(ch)
		return ch
	}
	q.onceFree = append(q.onceFree, ch)
	return ch
}

// KillAll rejects every pending item with ErrQueueKilled. The in-flight item,
// if any, runs to completion.
func (q *Queue[T]) KillAll() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, it := range items {
		it.fut.resolve(nil, ErrQueueKilled)
	}
}

func (q *Queue[T]) consume() {
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.fireOnceFreeLocked()
				q.mu.Unlock()
				break
			}
			it := q.items[0]
			q.items = q.items[1:]
			q.processing = it
			q.mu.Unlock()

			val, err := q.proc(context.Background(), it.item)

			q.mu.Lock()
			q.processing = nil
			q.mu.Unlock()
			it.fut.resolve(val, err)

			if q.interval > 0 {
				time.Sleep(q.interval)
			}
		}
	}
}

func (q *Queue[T]) fireOnceFreeLocked() {
	for _, ch := range q.onceFree {
		close(ch)
	}
	q.onceFree = nil
}
