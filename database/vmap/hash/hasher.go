// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package hash computes the root hash of a virtual map version from the set
// of leaves modified in it, and streams the resulting hashes to listeners.
package hash

import (
	"cmp"
	"fmt"
	"runtime"
	"slices"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
)

// Lookup provides the hash of a clean node, i.e. a node with no dirty
// descendants. It must be safe for concurrent use.
type Lookup func(path common.Path) (common.Hash, error)

// Listener is notified about the progress of a hashing round. Node and leaf
// callbacks may be invoked concurrently; the callback of a node is only
// invoked after the callbacks of its dirty children.
type Listener interface {
	OnHashingStarted(first, last common.Path) error
	OnLeafHashed(leaf *backend.LeafRecord, hash common.Hash) error
	OnNodeHashed(path common.Path, hash common.Hash) error
	OnHashingCompleted() error
}

// NopListener ignores all notifications.
type NopListener struct{}

func (NopListener) OnHashingStarted(common.Path, common.Path) error     { return nil }
func (NopListener) OnLeafHashed(*backend.LeafRecord, common.Hash) error { return nil }
func (NopListener) OnNodeHashed(common.Path, common.Hash) error         { return nil }
func (NopListener) OnHashingCompleted() error                           { return nil }

// LeafSource provides the dirty leaves of a hashing round in strictly
// increasing path order. The flag is false once all leaves are provided.
type LeafSource func() (backend.LeafRecord, bool, error)

// Leaves provides the given leaves in path order.
func Leaves(leaves []backend.LeafRecord) LeafSource {
	sorted := slices.SortedFunc(slices.Values(leaves), func(a, b backend.LeafRecord) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return func() (backend.LeafRecord, bool, error) {
		if len(sorted) == 0 {
			return backend.LeafRecord{}, false, nil
		}
		next := sorted[0]
		sorted = sorted[1:]
		return next, true, nil
	}
}

// Hasher computes root hashes using a bounded number of goroutines.
type Hasher struct {
	numWorkers int
	batchSize  int
}

// defaultBatchSize is the number of leaves taken from a leaf source before
// the nodes completed by them are hashed.
const defaultBatchSize = 1 << 10

// HasherOption customizes a Hasher.
type HasherOption func(*Hasher)

// WithBatchSize sets the number of leaves hashed together.
func WithBatchSize(size int) HasherOption {
	return func(h *Hasher) {
		h.batchSize = max(size, 1)
	}
}

// NewHasher creates a hasher with the given number of workers. A
// non-positive number uses one worker per available CPU.
func NewHasher(numWorkers int, opts ...HasherOption) *Hasher {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	res := &Hasher{numWorkers: numWorkers, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// EmptyRootHash is the root hash of a map without leaves.
func EmptyRootHash() common.Hash {
	return common.EmptyRootHash()
}

type node struct {
	path  common.Path
	leaf  *backend.LeafRecord
	hash  common.Hash
	left  *node
	right *node
	task  *task
	done  bool
}

// Hash computes the root hash of a tree with the given leaf path range in
// which the given leaves are dirty. Every node on a path from a dirty leaf to
// the root is rehashed, all other hashes are obtained from the lookup. The
// flag is false if there was nothing to hash, in which case the listener is
// not notified.
func (h *Hasher) Hash(
	lookup Lookup,
	leaves []backend.LeafRecord,
	first, last common.Path,
	listener Listener,
) (common.Hash, bool, error) {
	if first == common.InvalidPath || last == common.InvalidPath || first > last || len(leaves) == 0 {
		return common.Hash{}, false, nil
	}
	return h.HashStream(lookup, Leaves(leaves), first, last, listener)
}

// HashStream is like Hash, but takes the dirty leaves from the given source
// while hashing. Leaves are taken in batches; after each batch, all nodes
// without dirty descendants still to come are hashed and reported to the
// listener. Only the hashes of nodes whose parents are still incomplete are
// retained between batches.
func (h *Hasher) HashStream(
	lookup Lookup,
	leaves LeafSource,
	first, last common.Path,
	listener Listener,
) (common.Hash, bool, error) {
	leaf, ok, err := leaves()
	if err != nil || !ok {
		return common.Hash{}, false, err
	}
	if first == common.InvalidPath || last == common.InvalidPath || first > last {
		return common.Hash{}, false, fmt.Errorf("dirty leaf %v outside of leaf range [%d,%d]", leaf, first, last)
	}
	if listener == nil {
		listener = NopListener{}
	}
	if err := listener.OnHashingStarted(first, last); err != nil {
		return common.Hash{}, false, err
	}

	r := &round{
		hasher:   h,
		lookup:   lookup,
		listener: listener,
		first:    first,
		last:     last,
		nodes:    map[common.Path]*node{},
		previous: common.InvalidPath,
	}
	for ok {
		for count := 0; ok && count < h.batchSize; count++ {
			if err := r.add(leaf); err != nil {
				return common.Hash{}, false, err
			}
			if leaf, ok, err = leaves(); err != nil {
				return common.Hash{}, false, err
			}
		}
		// Without more leaves, every node is complete.
		complete := last
		if ok {
			complete = r.previous
		}
		if err := r.hashCompleted(complete); err != nil {
			return common.Hash{}, false, err
		}
	}

	root, found := r.nodes[common.RootPath]
	if !found || !root.done {
		return common.Hash{}, false, fmt.Errorf("root of tree with leaf range [%d,%d] was not hashed", first, last)
	}
	if err := listener.OnHashingCompleted(); err != nil {
		return common.Hash{}, false, err
	}
	return root.hash, true, nil
}

// round is the state of a single streamed hashing round. It holds the nodes
// on paths from received dirty leaves to the root which are not hashed yet
// and the hashed nodes whose parents are not hashed yet.
type round struct {
	hasher      *Hasher
	lookup      Lookup
	listener    Listener
	first, last common.Path
	nodes       map[common.Path]*node
	previous    common.Path
}

func (r *round) add(leaf backend.LeafRecord) error {
	if leaf.Path < r.first || leaf.Path > r.last {
		return fmt.Errorf("dirty leaf %v outside of leaf range [%d,%d]", leaf, r.first, r.last)
	}
	if leaf.Path == r.previous {
		return fmt.Errorf("duplicate dirty leaf at path %d", leaf.Path)
	}
	if r.previous != common.InvalidPath && leaf.Path < r.previous {
		return fmt.Errorf("dirty leaf at path %d received after leaf at path %d", leaf.Path, r.previous)
	}
	r.previous = leaf.Path

	child := &node{path: leaf.Path, leaf: &leaf}
	r.nodes[leaf.Path] = child
	for child.path != common.RootPath {
		parentPath := common.Parent(child.path)
		parent, found := r.nodes[parentPath]
		if !found {
			parent = &node{path: parentPath}
			r.nodes[parentPath] = parent
		}
		if common.IsLeft(child.path) {
			parent.left = child
		} else {
			parent.right = child
		}
		if found {
			break
		}
		child = parent
	}
	return nil
}

// hashCompleted hashes all nodes which have no dirty leaves after the given
// path in their subtrees. Children are scheduled before their parents.
func (r *round) hashCompleted(complete common.Path) error {
	byRank := make([][]*node, common.Rank(r.last)+1)
	for _, n := range r.nodes {
		if !n.done && lastLeafInSubtree(n.path, r.first, r.last) <= complete {
			rank := common.Rank(n.path)
			byRank[rank] = append(byRank[rank], n)
		}
	}

	var tasks []*task
	for rank := len(byRank) - 1; rank >= 0; rank-- {
		for _, n := range byRank[rank] {
			deps := 0
			for _, child := range []*node{n.left, n.right} {
				if child != nil && !child.done {
					deps++
				}
			}
			n.task = newTask(func() error { return r.hasher.hashNode(n, r.lookup, r.last, r.listener) }, deps)
			for _, child := range []*node{n.left, n.right} {
				if child != nil && !child.done {
					child.task.parentTask = n.task
				}
			}
			tasks = append(tasks, n.task)
		}
	}
	if err := runTasks(tasks, r.hasher.numWorkers); err != nil {
		return err
	}

	// Hashes of children are no longer needed once their parent is hashed.
	for _, rank := range byRank {
		for _, n := range rank {
			n.done = true
			n.task = nil
			n.leaf = nil
			for _, child := range []*node{n.left, n.right} {
				if child != nil {
					delete(r.nodes, child.path)
				}
			}
			n.left, n.right = nil, nil
		}
	}
	return nil
}

// lastLeafInSubtree returns the largest leaf path in the subtree rooted at
// the given node of a tree with the given leaf path range.
func lastLeafInSubtree(path, first, last common.Path) common.Path {
	if path >= first {
		return path
	}
	depth := common.Rank(last) - common.Rank(path)
	if lowest := (path+1)<<depth - 1; lowest <= last {
		return min((path+2)<<depth-2, last)
	}
	return (path+2)<<(depth-1) - 2
}

func (h *Hasher) hashNode(n *node, lookup Lookup, last common.Path, listener Listener) error {
	if n.leaf != nil {
		n.hash = n.leaf.Hash()
		return listener.OnLeafHashed(n.leaf, n.hash)
	}
	left, err := childHash(n.left, common.LeftChild(n.path), lookup)
	if err != nil {
		return err
	}
	var right *common.Hash
	if rightPath := common.RightChild(n.path); rightPath <= last {
		hash, err := childHash(n.right, rightPath, lookup)
		if err != nil {
			return err
		}
		right = &hash
	}
	n.hash = common.InternalHash(left, right)
	return listener.OnNodeHashed(n.path, n.hash)
}

func childHash(child *node, path common.Path, lookup Lookup) (common.Hash, error) {
	if child != nil {
		return child.hash, nil
	}
	hash, err := lookup(path)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to look up hash of node %d: %w", path, err)
	}
	return hash, nil
}
