// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package result

// Result bundles a value and an error, for instance to pass the outcome of
// background work through a channel or future.
type Result[T any] struct {
	value T
	err   error
}

// Ok creates a successful result.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Err creates a failed result.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Of creates a result from a value/error pair as returned by most functions.
func Of[T any](value T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(value)
}

// Get returns the value and error contained in the Result.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

// Error returns the error of a failed result, nil otherwise.
func (r Result[T]) Error() error {
	return r.err
}
