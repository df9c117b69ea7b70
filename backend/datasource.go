// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package backend

//go:generate mockgen -source datasource.go -destination datasource_mocks.go -package backend

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/hashgraph/hedera-services-sub071/common"
)

// LeafRecord is the persisted form of a leaf: its position in the tree and
// its serialized key and value.
type LeafRecord struct {
	Path  common.Path
	Key   []byte
	Value []byte
}

// Hash computes the hash of this leaf.
func (r *LeafRecord) Hash() common.Hash {
	return common.LeafHash(r.Key, r.Value)
}

func (r *LeafRecord) String() string {
	return fmt.Sprintf("Leaf{path: %d, key: %x}", r.Path, r.Key)
}

// HashRecord is the persisted hash of a leaf or internal node.
type HashRecord struct {
	Path common.Path
	Hash common.Hash
}

// DataSource is the durable storage of a family of virtual map versions. It
// holds the hashes of all nodes addressed by path, and the leaf records
// addressed by path and by key. Implementations must be safe for concurrent
// use by readers and a single writer.
type DataSource interface {
	// LoadHash returns the hash stored for the given path, if any.
	LoadHash(path common.Path) (common.Hash, bool, error)
	// LoadLeaf returns the leaf stored at the given path, or nil if absent.
	LoadLeaf(path common.Path) (*LeafRecord, error)
	// LoadLeafByKey returns the leaf with the given serialized key, or nil.
	LoadLeafByKey(key []byte) (*LeafRecord, error)
	// FindKey returns the path of the leaf with the given key or
	// common.InvalidPath if the key is unknown.
	FindKey(key []byte) (common.Path, error)

	// FirstLeafPath returns the first leaf path of the last saved batch.
	FirstLeafPath() common.Path
	// LastLeafPath returns the last leaf path of the last saved batch.
	LastLeafPath() common.Path

	// SaveRecords atomically persists one batch of changes. Deleted leaves
	// are processed first: their key is removed, and their path entry only
	// if it still refers to the deleted key. Upserted leaves are written
	// next. Leaf and hash entries outside of the new leaf path range which
	// were inside the previous range are pruned.
	SaveRecords(
		firstLeafPath, lastLeafPath common.Path,
		hashes []HashRecord,
		upserts []LeafRecord,
		deletes []LeafRecord,
		reconnect bool,
	) error

	// Copy creates an independent data source holding the same data. A
	// mutable copy may be written to, for instance during a reconnect.
	Copy(mutable bool) (DataSource, error)
	// Snapshot writes the current content into the given directory, such
	// that the builder of this data source can restore it from there.
	Snapshot(dir string) error
	// StopAndDisableBackgroundCompaction halts any background maintenance.
	StopAndDisableBackgroundCompaction()

	GetMemoryFootprint() *common.MemoryFootprint

	Close() error
}

// Builder creates data sources of one kind. A builder is serialized with a
// map version to be able to restore its data source later on.
type Builder interface {
	// Kind is the registered name of the builder type.
	Kind() string
	// Descriptor returns the configuration of this builder in a form
	// accepted by the factory registered for its kind.
	Descriptor() []byte
	// Create opens a new, empty data source for the given label.
	Create(label string) (DataSource, error)
	// Restore opens a data source from a snapshot in the given directory.
	Restore(label string, dir string) (DataSource, error)
}

// BuilderFactory recreates a builder from its descriptor.
type BuilderFactory func(descriptor []byte) (Builder, error)

var (
	buildersMutex sync.Mutex
	builders      = map[string]BuilderFactory{}
)

// RegisterBuilder registers a factory for the given builder kind. It panics
// if the kind is registered twice.
func RegisterBuilder(kind string, factory BuilderFactory) {
	buildersMutex.Lock()
	defer buildersMutex.Unlock()
	if _, found := builders[kind]; found {
		panic(fmt.Sprintf("builder kind %q registered twice", kind))
	}
	builders[kind] = factory
}

// GetBuilder recreates a builder from its kind and descriptor.
func GetBuilder(kind string, descriptor []byte) (Builder, error) {
	buildersMutex.Lock()
	factory, found := builders[kind]
	buildersMutex.Unlock()
	if !found {
		return nil, fmt.Errorf("unknown data source kind %q", kind)
	}
	return factory(descriptor)
}

// ErrClosed is returned by data sources used after Close.
var ErrClosed = errors.New("data source is closed")

// PrunedPaths returns the paths which left the leaf path range when moving
// from [oldFirst, oldLast] to [newFirst, newLast].
func PrunedPaths(oldFirst, oldLast, newFirst, newLast common.Path) []common.Path {
	if oldFirst == common.InvalidPath || oldLast == common.InvalidPath {
		return nil
	}
	if newFirst == common.InvalidPath || newLast == common.InvalidPath {
		return pathRange(oldFirst, oldLast)
	}
	res := pathRange(oldFirst, min(oldLast, newFirst-1))
	return append(res, pathRange(max(oldFirst, newLast+1), oldLast)...)
}

func pathRange(from, to common.Path) []common.Path {
	if from > to {
		return nil
	}
	res := make([]common.Path, 0, to-from+1)
	for p := from; p <= to; p++ {
		res = append(res, p)
	}
	return res
}

// SameKey reports whether two serialized keys are equal.
func SameKey(a, b []byte) bool {
	return bytes.Equal(a, b)
}
