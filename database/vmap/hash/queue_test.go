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
	"testing"
	"time"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/stretchr/testify/require"
)

func TestLeafQueue_DeliversLeavesInOrderUntilClosed(t *testing.T) {
	require := require.New(t)

	queue := NewLeafQueue(2, time.Second)
	leaves := makeLeaves(10, "v")
	go func() {
		for _, leaf := range leaves {
			if err := queue.Put(leaf); err != nil {
				return
			}
		}
		queue.Close()
	}()

	var got []backend.LeafRecord
	for {
		leaf, ok, err := queue.Take()
		require.NoError(err)
		if !ok {
			break
		}
		got = append(got, leaf)
	}
	require.Equal(leaves, got)
}

func TestLeafQueue_FullQueue_PutTimesOut(t *testing.T) {
	require := require.New(t)

	queue := NewLeafQueue(1, 10*time.Millisecond)
	require.NoError(queue.Put(backend.LeafRecord{Path: 1}))
	require.ErrorIs(queue.Put(backend.LeafRecord{Path: 2}), ErrQueueTimeout)
}

func TestLeafQueue_EmptyQueue_TakeTimesOut(t *testing.T) {
	require := require.New(t)

	queue := NewLeafQueue(1, 10*time.Millisecond)
	_, _, err := queue.Take()
	require.ErrorIs(err, ErrQueueTimeout)
}

func TestLeafQueue_Abort_UnblocksBothSides(t *testing.T) {
	require := require.New(t)

	queue := NewLeafQueue(1, time.Minute)
	require.NoError(queue.Put(backend.LeafRecord{Path: 1}))

	done := make(chan error)
	go func() {
		done <- queue.Put(backend.LeafRecord{Path: 2})
	}()
	queue.Abort()
	queue.Abort()
	require.ErrorIs(<-done, ErrQueueAborted)
	require.ErrorIs(queue.Put(backend.LeafRecord{Path: 3}), ErrQueueAborted)

	// A buffered leaf may still be taken before the abort is noticed.
	var err error
	for err == nil {
		_, _, err = queue.Take()
	}
	require.ErrorIs(err, ErrQueueAborted)
}

func TestLeafQueue_CloseTwice_IsNoop(t *testing.T) {
	require := require.New(t)

	queue := NewLeafQueue(1, time.Second)
	queue.Close()
	queue.Close()
	_, ok, err := queue.Take()
	require.NoError(err)
	require.False(ok)
}
