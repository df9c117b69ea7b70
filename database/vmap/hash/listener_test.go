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
	"testing"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/backend/memory"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestCacheListener_StoresAllHashesInCache(t *testing.T) {
	require := require.New(t)

	c := cache.New[string, string]()
	c.PrepareForHashing()
	leaves := makeLeaves(5, "v")
	first, last := leafRange(5)
	root, _, err := NewHasher(2).Hash(noLookup, leaves, first, last, NewCacheListener(c))
	require.NoError(err)

	hash, status := c.LookupHashByPath(common.RootPath, false)
	require.Equal(cache.Present, status)
	require.Equal(root, hash)
	for _, leaf := range leaves {
		hash, status := c.LookupHashByPath(leaf.Path, false)
		require.Equal(cache.Present, status)
		require.Equal(leaf.Hash(), hash)
	}
}

func TestCacheListener_ImmutableCache_FailsHashing(t *testing.T) {
	require := require.New(t)

	c := cache.New[string, string]()
	_, _, err := NewHasher(1).Hash(noLookup, makeLeaves(2, "v"), 1, 2, NewCacheListener(c))
	require.ErrorIs(err, common.ErrImmutable)
}

func TestFlushListener_WritesAllRecordsToDataSource(t *testing.T) {
	for _, interval := range []int{1, 7, 1000} {
		require := require.New(t)

		source := memory.NewDataSource("test")
		listener := NewFlushListener(source, interval, true, WithFlushLogger(zerolog.New(zerolog.NewTestWriter(t))))
		leaves := makeLeaves(20, "v")
		first, last := leafRange(20)
		root, ok, err := NewHasher(4).Hash(noLookup, leaves, first, last, listener)
		require.NoError(err)
		require.True(ok)
		require.NoError(listener.Wait())
		require.Greater(listener.Flushes(), 0)

		require.Equal(first, source.FirstLeafPath())
		require.Equal(last, source.LastLeafPath())
		hash, found, err := source.LoadHash(common.RootPath)
		require.NoError(err)
		require.True(found)
		require.Equal(root, hash)
		for _, leaf := range leaves {
			got, err := source.LoadLeafByKey(leaf.Key)
			require.NoError(err)
			require.Equal(&leaf, got)
		}
	}
}

type staleLeaves []backend.LeafRecord

func (s staleLeaves) StaleLeaves() ([]backend.LeafRecord, error) {
	return s, nil
}

func TestFlushListener_FinalFlushDeletesStaleLeaves(t *testing.T) {
	require := require.New(t)

	source := memory.NewDataSource("test")
	old := backend.LeafRecord{Path: 2, Key: []byte("stale"), Value: []byte("v")}
	require.NoError(source.SaveRecords(1, 2, nil, []backend.LeafRecord{
		{Path: 1, Key: []byte("kept"), Value: []byte("v")},
		old,
	}, nil, false))

	// The new tree consists of a single leaf at path 1 and path 2.
	leaves := []backend.LeafRecord{
		{Path: 1, Key: []byte("kept"), Value: []byte("v")},
		{Path: 2, Key: []byte("new"), Value: []byte("v")},
	}
	listener := NewFlushListener(source, 100, true, WithStaleLeaves(staleLeaves{old}))
	_, _, err := NewHasher(1).Hash(noLookup, leaves, 1, 2, listener)
	require.NoError(err)
	require.NoError(listener.Wait())

	path, err := source.FindKey([]byte("stale"))
	require.NoError(err)
	require.Equal(common.InvalidPath, path)
	leaf, err := source.LoadLeaf(2)
	require.NoError(err)
	require.Equal([]byte("new"), leaf.Key)
}

func TestFlushListener_SaveFailure_IsReportedByWait(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	injected := errors.New("injected")
	source := backend.NewMockDataSource(ctrl)
	source.EXPECT().SaveRecords(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), false).Return(injected)

	listener := NewFlushListener(source, 1000, false)
	_, _, err := NewHasher(1).Hash(noLookup, makeLeaves(4, "v"), 3, 6, listener)
	require.NoError(err)
	require.ErrorIs(listener.Wait(), injected)
	require.Equal(0, listener.Flushes())
}

func TestFlushListener_FailingBatch_SkipsRemainingBatches(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	injected := errors.New("injected")
	source := backend.NewMockDataSource(ctrl)
	source.EXPECT().SaveRecords(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), true).Return(injected)

	listener := NewFlushListener(source, 1, true)
	_, _, err := NewHasher(1).Hash(noLookup, makeLeaves(4, "v"), 3, 6, listener)
	require.NoError(err)
	require.ErrorIs(listener.Wait(), injected)
}

func TestFlushListener_NotStarted_WaitReturnsImmediately(t *testing.T) {
	require := require.New(t)

	listener := NewFlushListener(memory.NewDataSource("test"), 10, false)
	require.NoError(listener.Wait())
	require.Error(listener.OnHashingCompleted())
}

func TestFlushListener_CanOnlyBeStartedOnce(t *testing.T) {
	require := require.New(t)

	listener := NewFlushListener(memory.NewDataSource("test"), 10, false)
	require.NoError(listener.OnHashingStarted(1, 2))
	require.Error(listener.OnHashingStarted(1, 2))
	require.NoError(listener.OnHashingCompleted())
	require.NoError(listener.Wait())
}

func TestFlushListener_CanOnlyBeCompletedOnce(t *testing.T) {
	require := require.New(t)

	listener := NewFlushListener(memory.NewDataSource("test"), 10, false)
	require.NoError(listener.OnHashingStarted(1, 2))
	require.NoError(listener.OnHashingCompleted())
	require.Error(listener.OnHashingCompleted())
	require.NoError(listener.Wait())
}

func TestFlushListener_Abort_DropsBufferedRecords(t *testing.T) {
	require := require.New(t)

	source := memory.NewDataSource("test")
	listener := NewFlushListener(source, 10, false)
	require.NoError(listener.OnHashingStarted(1, 2))
	leaf := backend.LeafRecord{Path: 1, Key: []byte("a"), Value: []byte("b")}
	require.NoError(listener.OnLeafHashed(&leaf, leaf.Hash()))
	listener.Abort()
	listener.Abort()
	require.NoError(listener.Wait())
	require.Equal(0, listener.Flushes())

	got, err := source.LoadLeaf(1)
	require.NoError(err)
	require.Nil(got)
	require.Same(source, listener.Source())
}
