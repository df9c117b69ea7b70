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
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap"
)

// originalTree is the part of the learner's original tree the node remover
// needs to inspect.
type originalTree interface {
	State() vmap.State
	LeafAt(path common.Path) (*backend.LeafRecord, error)
}

// nodeRemover tracks the leaves of the learner's original tree which are not
// part of the teacher's tree. Those are leaves that were replaced by a leaf
// with a different key received from the teacher, and leaves outside of the
// teacher's leaf path range. Keys received from the teacher are never stale,
// even if they were found at another path in the original.
type nodeRemover struct {
	original originalTree
	shape    shape

	mutex     sync.Mutex
	received  map[string]struct{}
	displaced map[common.Path]backend.LeafRecord
}

func newNodeRemover(original originalTree, shape shape) *nodeRemover {
	return &nodeRemover{
		original:  original,
		shape:     shape,
		received:  map[string]struct{}{},
		displaced: map[common.Path]backend.LeafRecord{},
	}
}

// newLeaf records a leaf received from the teacher.
func (r *nodeRemover) newLeaf(leaf backend.LeafRecord) error {
	old, err := r.original.LeafAt(leaf.Path)
	if err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.received[string(leaf.Key)] = struct{}{}
	if old != nil && string(old.Key) != string(leaf.Key) {
		r.displaced[old.Path] = *old
	}
	return nil
}

// StaleLeaves lists the leaves to be deleted, ordered by path.
func (r *nodeRemover) StaleLeaves() ([]backend.LeafRecord, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var res []backend.LeafRecord
	add := func(leaf backend.LeafRecord) {
		if _, found := r.received[string(leaf.Key)]; !found {
			res = append(res, leaf)
		}
	}
	for _, leaf := range r.displaced {
		add(leaf)
	}
	state := r.original.State()
	if state.Size() > 0 {
		for path := state.FirstLeafPath; path <= state.LastLeafPath; path++ {
			if r.shape.isLeaf(path) {
				continue
			}
			leaf, err := r.original.LeafAt(path)
			if err != nil {
				return nil, err
			}
			if leaf == nil {
				return nil, fmt.Errorf("no leaf at path %d in original tree: %w", path, common.ErrNotFound)
			}
			add(*leaf)
		}
	}
	slices.SortFunc(res, func(a, b backend.LeafRecord) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return res, nil
}
