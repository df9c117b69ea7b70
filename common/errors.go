// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import "errors"

var (
	// ErrImmutable is returned when a mutation is attempted on a version
	// that has been copied, hashed or destroyed.
	ErrImmutable = errors.New("virtual map version is immutable")
	// ErrReleased is returned when an operation is attempted on a version
	// that has already been released.
	ErrReleased = errors.New("virtual map version has been released")
	// ErrCapacity is returned when inserting into a map that has reached its
	// configured maximum size.
	ErrCapacity = errors.New("virtual map has no more space")
	// ErrSynchronization marks failures of a reconnect or rehash attempt. The
	// attempt has to be restarted from scratch.
	ErrSynchronization = errors.New("synchronization failed")
	// ErrNotFound is returned when a required record is missing.
	ErrNotFound = errors.New("not found")
)
