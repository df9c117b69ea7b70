// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package future

import (
	"context"
	"time"
)

// Promise is the producer side of a Future. A promise must be fulfilled
// exactly once.
type Promise[T any] struct {
	state *state[T]
}

// Future is the consumer side of a value produced asynchronously. It can be
// awaited any number of times, by any number of goroutines.
type Future[T any] struct {
	state *state[T]
}

type state[T any] struct {
	done  chan struct{}
	value T
}

// Create produces a linked promise and future.
func Create[T any]() (Promise[T], Future[T]) {
	s := &state[T]{done: make(chan struct{})}
	return Promise[T]{state: s}, Future[T]{state: s}
}

// Immediate produces a future which is already fulfilled with the given value.
func Immediate[T any](value T) Future[T] {
	promise, future := Create[T]()
	promise.Fulfill(value)
	return future
}

// Fulfill publishes the value to all waiting and future consumers.
func (p Promise[T]) Fulfill(value T) {
	p.state.value = value
	close(p.state.done)
}

// Done returns a channel closed once the future is fulfilled.
func (f Future[T]) Done() <-chan struct{} {
	return f.state.done
}

// Await blocks until the value is available.
func (f Future[T]) Await() T {
	<-f.state.done
	return f.state.value
}

// AwaitContext blocks until the value is available or the context is done.
func (f Future[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.state.done:
		return f.state.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitTimeout blocks until the value is available or the timeout expired.
// The flag reports whether the value was obtained.
func (f Future[T]) AwaitTimeout(timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.state.done:
		return f.state.value, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// IsDone reports without blocking whether the future has been fulfilled.
func (f Future[T]) IsDone() bool {
	select {
	case <-f.state.done:
		return true
	default:
		return false
	}
}
