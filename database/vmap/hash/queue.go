// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package hash

import (
	"errors"
	"sync"
	"time"

	"github.com/hashgraph/hedera-services-sub071/backend"
)

var (
	// ErrQueueTimeout is returned if a leaf could not be handed over in time.
	ErrQueueTimeout = errors.New("timeout waiting for leaf queue")
	// ErrQueueAborted is returned once the queue has been aborted.
	ErrQueueAborted = errors.New("leaf queue aborted")
)

// LeafQueue is a bounded queue handing leaves from a producer, e.g. a
// reconnect session receiving them over the network, to a consumer hashing
// them. Both sides give up after the configured timeout.
type LeafQueue struct {
	leaves    chan backend.LeafRecord
	aborted   chan struct{}
	timeout   time.Duration
	closeOnce sync.Once
	abortOnce sync.Once
}

// NewLeafQueue creates a queue holding up to size leaves.
func NewLeafQueue(size int, timeout time.Duration) *LeafQueue {
	return &LeafQueue{
		leaves:  make(chan backend.LeafRecord, max(size, 1)),
		aborted: make(chan struct{}),
		timeout: timeout,
	}
}

// Put appends a leaf, blocking while the queue is full.
func (q *LeafQueue) Put(leaf backend.LeafRecord) error {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case <-q.aborted:
		return ErrQueueAborted
	default:
	}
	select {
	case q.leaves <- leaf:
		return nil
	case <-q.aborted:
		return ErrQueueAborted
	case <-timer.C:
		return ErrQueueTimeout
	}
}

// Close marks the end of the stream of leaves. Leaves already queued can
// still be taken.
func (q *LeafQueue) Close() {
	q.closeOnce.Do(func() { close(q.leaves) })
}

// Abort unblocks all producers and consumers with ErrQueueAborted.
func (q *LeafQueue) Abort() {
	q.abortOnce.Do(func() { close(q.aborted) })
}

// Take removes the next leaf. The flag is false once the queue is closed and
// drained.
func (q *LeafQueue) Take() (backend.LeafRecord, bool, error) {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case leaf, ok := <-q.leaves:
		return leaf, ok, nil
	case <-q.aborted:
		return backend.LeafRecord{}, false, ErrQueueAborted
	case <-timer.C:
		return backend.LeafRecord{}, false, ErrQueueTimeout
	}
}
