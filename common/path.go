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

// Path identifies the position of a node in a complete binary tree. The root
// has path 0, and the children of a node at path p are found at 2p+1 and 2p+2.
// Nodes are numbered in breadth-first order, so all paths of one rank are
// contiguous.
type Path int64

const (
	// InvalidPath is the sentinel used for absent nodes and for the first and
	// last leaf paths of an empty tree.
	InvalidPath Path = -1
	// RootPath is the path of the root node.
	RootPath Path = 0
	// FirstLeftPath is the path of the left child of the root. It is the path
	// of the only leaf of a single-element tree.
	FirstLeftPath Path = 1
	// FirstRightPath is the path of the right child of the root.
	FirstRightPath Path = 2
)

// LeftChild returns the path of the left child of the given node.
func LeftChild(p Path) Path {
	return 2*p + 1
}

// RightChild returns the path of the right child of the given node.
func RightChild(p Path) Path {
	return 2*p + 2
}

// Parent returns the path of the parent of the given node, or InvalidPath for
// the root.
func Parent(p Path) Path {
	if p <= RootPath {
		return InvalidPath
	}
	return (p - 1) >> 1
}

// Sibling returns the path of the other child of this node's parent, or
// InvalidPath for the root.
func Sibling(p Path) Path {
	if p <= RootPath {
		return InvalidPath
	}
	if IsLeft(p) {
		return p + 1
	}
	return p - 1
}

// IsLeft reports whether the node is the left child of its parent.
func IsLeft(p Path) bool {
	return p > RootPath && p&1 == 1
}

// IsRight reports whether the node is the right child of its parent.
func IsRight(p Path) bool {
	return p > RootPath && p&1 == 0
}

// Rank returns the depth of a path, the root being at rank 0.
func Rank(p Path) int {
	if p < 0 {
		return -1
	}
	rank := 0
	for v := uint64(p) + 1; v > 1; v >>= 1 {
		rank++
	}
	return rank
}

// IndexInRank returns the position of the node within its rank, counting
// from the left starting at 0.
func IndexInRank(p Path) int64 {
	if p < 0 {
		return -1
	}
	return int64(p) - int64(firstPathInRank(Rank(p)))
}

// IsFarRight reports whether the node is the right-most node of its rank.
func IsFarRight(p Path) bool {
	if p < 0 {
		return false
	}
	return p == firstPathInRank(Rank(p)+1)-1
}

// PathForRankAndIndex returns the path of the node at the given index within
// the given rank.
func PathForRankAndIndex(rank int, index int64) Path {
	return firstPathInRank(rank) + Path(index)
}

func firstPathInRank(rank int) Path {
	return Path(1)<<rank - 1
}
