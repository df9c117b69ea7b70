// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package reconnect

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap"
)

type fakeTree struct {
	state  vmap.State
	leaves map[common.Path]backend.LeafRecord
}

// newFakeTree creates a tree with keys k0, k1, ... at consecutive leaf paths.
func newFakeTree(size int64) *fakeTree {
	res := &fakeTree{state: vmap.NewState("test"), leaves: map[common.Path]backend.LeafRecord{}}
	if size == 0 {
		return res
	}
	res.state.FirstLeafPath = common.Path(size - 1)
	res.state.LastLeafPath = common.Path(2*size - 2)
	if size == 1 {
		res.state.FirstLeafPath = common.FirstLeftPath
		res.state.LastLeafPath = common.FirstLeftPath
	}
	for i := int64(0); i < size; i++ {
		path := res.state.FirstLeafPath + common.Path(i)
		res.leaves[path] = leaf(path, fmt.Sprintf("k%d", i))
	}
	return res
}

func (f *fakeTree) State() vmap.State {
	return f.state
}

func (f *fakeTree) LeafAt(path common.Path) (*backend.LeafRecord, error) {
	leaf, found := f.leaves[path]
	if !found {
		return nil, nil
	}
	return &leaf, nil
}

func leaf(path common.Path, key string) backend.LeafRecord {
	return backend.LeafRecord{Path: path, Key: []byte(key), Value: []byte("value")}
}

func keysOf(leaves []backend.LeafRecord) []string {
	res := []string{}
	for _, leaf := range leaves {
		res = append(res, string(leaf.Key))
	}
	return res
}

func TestNodeRemover_NothingIsStaleWithoutChanges(t *testing.T) {
	require := require.New(t)
	original := newFakeTree(4) // leaves at 3..6
	remover := newNodeRemover(original, shape{first: 3, last: 6})
	stale, err := remover.StaleLeaves()
	require.NoError(err)
	require.Empty(stale)
}

func TestNodeRemover_ReplacedLeavesAreStale(t *testing.T) {
	require := require.New(t)
	original := newFakeTree(4)
	remover := newNodeRemover(original, shape{first: 3, last: 6})
	require.NoError(remover.newLeaf(leaf(4, "x")))
	require.NoError(remover.newLeaf(leaf(5, "k2"))) // same key, new value
	stale, err := remover.StaleLeaves()
	require.NoError(err)
	require.Equal([]string{"k1"}, keysOf(stale))
	require.Equal(common.Path(4), stale[0].Path)
}

func TestNodeRemover_MovedLeavesAreNotStale(t *testing.T) {
	require := require.New(t)
	original := newFakeTree(4)
	remover := newNodeRemover(original, shape{first: 3, last: 6})
	// k0 and k3 swap places.
	require.NoError(remover.newLeaf(leaf(3, "k3")))
	require.NoError(remover.newLeaf(leaf(6, "k0")))
	stale, err := remover.StaleLeaves()
	require.NoError(err)
	require.Empty(stale)
}

func TestNodeRemover_LeavesOutsideOfNewRangeAreStale(t *testing.T) {
	require := require.New(t)
	original := newFakeTree(6) // leaves at 5..10
	remover := newNodeRemover(original, shape{first: 2, last: 4})
	// Leaves at 5..10 are outside of [2,4]; k4 was moved to path 3.
	require.NoError(remover.newLeaf(leaf(2, "k0")))
	require.NoError(remover.newLeaf(leaf(3, "k4")))
	require.NoError(remover.newLeaf(leaf(4, "y")))
	stale, err := remover.StaleLeaves()
	require.NoError(err)
	require.Equal([]string{"k1", "k2", "k3", "k5"}, keysOf(stale))
	for i := 1; i < len(stale); i++ {
		require.Less(stale[i-1].Path, stale[i].Path)
	}
}

func TestNodeRemover_EmptyTeacherRemovesEverything(t *testing.T) {
	require := require.New(t)
	original := newFakeTree(3)
	remover := newNodeRemover(original, shape{first: common.InvalidPath, last: common.InvalidPath})
	stale, err := remover.StaleLeaves()
	require.NoError(err)
	require.Equal([]string{"k0", "k1", "k2"}, keysOf(stale))
}

func TestNodeRemover_EmptyOriginalHasNoStaleLeaves(t *testing.T) {
	require := require.New(t)
	remover := newNodeRemover(newFakeTree(0), shape{first: 1, last: 2})
	require.NoError(remover.newLeaf(leaf(1, "a")))
	require.NoError(remover.newLeaf(leaf(2, "b")))
	stale, err := remover.StaleLeaves()
	require.NoError(err)
	require.Empty(stale)
}

func TestNodeRemover_MissingOriginalLeafIsReported(t *testing.T) {
	original := newFakeTree(3)
	delete(original.leaves, 4)
	remover := newNodeRemover(original, shape{first: 1, last: 1})
	_, err := remover.StaleLeaves()
	require.ErrorIs(t, err, common.ErrNotFound)
}
