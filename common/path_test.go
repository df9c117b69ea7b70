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

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPath_ChildrenAndParent_AreConsistent(t *testing.T) {
	require := require.New(t)
	for p := Path(0); p < 1000; p++ {
		require.Equal(p, Parent(LeftChild(p)))
		require.Equal(p, Parent(RightChild(p)))
		require.True(IsLeft(LeftChild(p)))
		require.True(IsRight(RightChild(p)))
		require.Equal(RightChild(p), Sibling(LeftChild(p)))
		require.Equal(LeftChild(p), Sibling(RightChild(p)))
	}
}

func TestPath_Root_HasNoParentOrSibling(t *testing.T) {
	require := require.New(t)
	require.Equal(InvalidPath, Parent(RootPath))
	require.Equal(InvalidPath, Sibling(RootPath))
	require.False(IsLeft(RootPath))
	require.False(IsRight(RootPath))
}

func TestPath_Rank_MatchesBreadthFirstLayout(t *testing.T) {
	tests := []struct {
		path  Path
		rank  int
		index int64
	}{
		{0, 0, 0},
		{1, 1, 0},
		{2, 1, 1},
		{3, 2, 0},
		{6, 2, 3},
		{7, 3, 0},
		{14, 3, 7},
		{15, 4, 0},
		{1<<40 - 1, 40, 0},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("path %d", test.path), func(t *testing.T) {
			require := require.New(t)
			require.Equal(test.rank, Rank(test.path))
			require.Equal(test.index, IndexInRank(test.path))
			require.Equal(test.path, PathForRankAndIndex(test.rank, test.index))
		})
	}
}

func TestPath_IsFarRight_OnlyForLastNodeOfRank(t *testing.T) {
	require := require.New(t)
	for _, p := range []Path{0, 2, 6, 14, 30} {
		require.True(IsFarRight(p), "path %d", p)
	}
	for _, p := range []Path{1, 3, 4, 5, 7, 13, 29} {
		require.False(IsFarRight(p), "path %d", p)
	}
	require.False(IsFarRight(InvalidPath))
}

func TestPath_InvalidPath_HasNoRank(t *testing.T) {
	require := require.New(t)
	require.Equal(-1, Rank(InvalidPath))
	require.EqualValues(-1, IndexInRank(InvalidPath))
}
