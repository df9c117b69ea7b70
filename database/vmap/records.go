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
	"fmt"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/cache"
)

// records resolves leaves and hashes as seen by a single map version. The
// node cache is consulted first; only if it has no record for a key or path
// the data source is asked.
type records[K comparable, V any] struct {
	state  *State
	cache  *cache.Cache[K, V]
	source backend.DataSource
	keys   common.Serializer[K]
	values common.Serializer[V]
}

func (r *records[K, V]) findLeafByKey(key K, forModify bool) (*cache.Leaf[K, V], error) {
	leaf, status, err := r.cache.LookupLeafByKey(key, forModify)
	if err != nil {
		return nil, err
	}
	switch status {
	case cache.Present:
		return leaf, nil
	case cache.Deleted:
		return nil, nil
	}
	rec, err := r.source.LoadLeafByKey(r.keys.ToBytes(key))
	if err != nil {
		return nil, fmt.Errorf("failed to load leaf: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return r.fromSource(rec, forModify)
}

func (r *records[K, V]) findLeafByPath(path common.Path, forModify bool) (*cache.Leaf[K, V], error) {
	if r.state.Size() == 0 || path < r.state.FirstLeafPath || path > r.state.LastLeafPath {
		return nil, nil
	}
	leaf, status, err := r.cache.LookupLeafByPath(path, forModify)
	if err != nil {
		return nil, err
	}
	switch status {
	case cache.Present:
		return leaf, nil
	case cache.Deleted:
		return nil, nil
	}
	rec, err := r.source.LoadLeaf(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaf at path %d: %w", path, err)
	}
	if rec == nil {
		return nil, nil
	}
	return r.fromSource(rec, forModify)
}

func (r *records[K, V]) fromSource(rec *backend.LeafRecord, forModify bool) (*cache.Leaf[K, V], error) {
	leaf, err := r.decode(rec)
	if err != nil {
		return nil, err
	}
	if forModify {
		return r.cache.PutLeaf(leaf)
	}
	return leaf, nil
}

// findKey returns the path of the leaf with the given key, or an invalid
// path if there is no such leaf.
func (r *records[K, V]) findKey(key K) (common.Path, error) {
	leaf, status, err := r.cache.LookupLeafByKey(key, false)
	if err != nil {
		return common.InvalidPath, err
	}
	switch status {
	case cache.Present:
		return leaf.Path, nil
	case cache.Deleted:
		return common.InvalidPath, nil
	}
	path, err := r.source.FindKey(r.keys.ToBytes(key))
	if err != nil {
		return common.InvalidPath, fmt.Errorf("failed to find key: %w", err)
	}
	return path, nil
}

func (r *records[K, V]) findHash(path common.Path) (common.Hash, error) {
	if path < 0 || path > r.state.LastLeafPath {
		return common.Hash{}, fmt.Errorf("no node at path %d: %w", path, common.ErrNotFound)
	}
	hash, status := r.cache.LookupHashByPath(path, false)
	switch status {
	case cache.Present:
		return hash, nil
	case cache.Deleted:
		return common.Hash{}, fmt.Errorf("hash of path %d was deleted: %w", path, common.ErrNotFound)
	}
	hash, found, err := r.source.LoadHash(path)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to load hash of path %d: %w", path, err)
	}
	if !found {
		return common.Hash{}, fmt.Errorf("no hash for path %d: %w", path, common.ErrNotFound)
	}
	return hash, nil
}

func (r *records[K, V]) decode(rec *backend.LeafRecord) (*cache.Leaf[K, V], error) {
	key, err := r.keys.FromBytes(rec.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key of leaf at path %d: %w", rec.Path, err)
	}
	value, err := r.values.FromBytes(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode value of leaf at path %d: %w", rec.Path, err)
	}
	return &cache.Leaf[K, V]{Path: rec.Path, Key: key, Value: value}, nil
}

func (r *records[K, V]) encode(leaf *cache.Leaf[K, V]) backend.LeafRecord {
	return backend.LeafRecord{
		Path:  leaf.Path,
		Key:   r.keys.ToBytes(leaf.Key),
		Value: r.values.ToBytes(leaf.Value),
	}
}

func (r *records[K, V]) encodeAll(leaves []*cache.Leaf[K, V]) []backend.LeafRecord {
	res := make([]backend.LeafRecord, len(leaves))
	for i, leaf := range leaves {
		res[i] = r.encode(leaf)
	}
	return res
}

// flush writes the content of the given cache, which needs to be sealed,
// into the target data source.
func (r *records[K, V]) flush(c *cache.Cache[K, V], state State, target backend.DataSource) (int, error) {
	dirty, err := c.DirtyLeavesForFlush(state.FirstLeafPath, state.LastLeafPath)
	if err != nil {
		return 0, err
	}
	deleted, err := c.DeletedLeaves()
	if err != nil {
		return 0, err
	}
	dirtyHashes, err := c.DirtyHashesForFlush(state.LastLeafPath)
	if err != nil {
		return 0, err
	}
	hashes := make([]backend.HashRecord, len(dirtyHashes))
	for i, rec := range dirtyHashes {
		hashes[i] = backend.HashRecord{Path: rec.Path, Hash: rec.Hash}
	}
	upserts := r.encodeAll(dirty)
	err = target.SaveRecords(
		state.FirstLeafPath, state.LastLeafPath,
		hashes, upserts, r.encodeAll(deleted),
		false,
	)
	if err != nil {
		return 0, err
	}
	return len(upserts), nil
}
