// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package vmap

import (
	"errors"
	"fmt"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/cache"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/pipeline"
)

// View is an independent, read-only image of a hashed map version. It
// remains usable after the version it was taken from has been flushed,
// merged or released, until it is closed.
type View[K comparable, V any] struct {
	version int64
	hash    common.Hash
	state   State
	records *records[K, V]
}

// Detach creates a view of this version, which needs to be immutable. The
// view is backed by a snapshot of the cache and a copy of the data source.
// If dir is not empty, the data source copy is additionally persisted into
// that directory and the view reads from a data source restored from it.
//
// Once detached, the version no longer blocks flushes and merges of its
// family, even if it has not been released.
func (m *Map[K, V]) Detach(dir string) (*View[K, V], error) {
	if !m.immutable.Load() {
		return nil, fmt.Errorf("cannot detach map %s version %d: %w", m.family.label, m.version, pipeline.ErrMutable)
	}
	var res *View[K, V]
	err := m.family.pipeline.Detach(m, func() error {
		snapshot := m.cache.Snapshot()
		var source backend.DataSource
		var err error
		if dir == "" {
			source, err = m.family.source.Copy(false)
		} else if err = m.snapshotTo(snapshot, dir); err == nil {
			source, err = m.family.builder.Restore(m.family.label, dir)
		}
		if err != nil {
			return err
		}
		res = m.newView(snapshot, source)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Map[K, V]) newView(snapshot *cache.Cache[K, V], source backend.DataSource) *View[K, V] {
	res := &View[K, V]{
		version: m.version,
		hash:    m.hash,
		state:   m.state,
	}
	res.records = &records[K, V]{
		state:  &res.state,
		cache:  snapshot,
		source: source,
		keys:   m.family.keys,
		values: m.family.values,
	}
	return res
}

// snapshotTo writes the content of the data source, updated with the given
// cache snapshot, into the given directory.
func (m *Map[K, V]) snapshotTo(snapshot *cache.Cache[K, V], dir string) error {
	target, err := m.family.source.Copy(true)
	if err != nil {
		return err
	}
	if _, err := m.records.flush(snapshot, m.state, target); err != nil {
		return errors.Join(err, target.Close())
	}
	return errors.Join(target.Snapshot(dir), target.Close())
}

func (v *View[K, V]) Version() int64 {
	return v.version
}

func (v *View[K, V]) State() State {
	return v.state
}

func (v *View[K, V]) Size() int64 {
	return v.state.Size()
}

// Hash is the root hash of the detached version.
func (v *View[K, V]) Hash() common.Hash {
	return v.hash
}

func (v *View[K, V]) Get(key K) (V, bool, error) {
	var zero V
	leaf, err := v.records.findLeafByKey(key, false)
	if err != nil || leaf == nil {
		return zero, false, err
	}
	return leaf.Value, true, nil
}

func (v *View[K, V]) ContainsKey(key K) (bool, error) {
	path, err := v.records.findKey(key)
	if err != nil {
		return false, err
	}
	return path != common.InvalidPath, nil
}

// HashAt returns the hash of the node at the given path. The root hash is
// reported even for an empty tree.
func (v *View[K, V]) HashAt(path common.Path) (common.Hash, error) {
	if path == common.RootPath {
		return v.hash, nil
	}
	return v.records.findHash(path)
}

// LeafAt returns the serialized leaf at the given path, or nil if there is
// no leaf at that path.
func (v *View[K, V]) LeafAt(path common.Path) (*backend.LeafRecord, error) {
	leaf, err := v.records.findLeafByPath(path, false)
	if err != nil || leaf == nil {
		return nil, err
	}
	res := v.records.encode(leaf)
	return &res, nil
}

// Close releases the data source of the view.
func (v *View[K, V]) Close() error {
	return v.records.source.Close()
}
