// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package memory

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"unsafe"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
)

// Kind is the registered builder kind of in-memory data sources.
const Kind = "memory"

func init() {
	backend.RegisterBuilder(Kind, func([]byte) (backend.Builder, error) {
		return Builder{}, nil
	})
}

// Builder creates in-memory data sources.
type Builder struct{}

func (Builder) Kind() string {
	return Kind
}

func (Builder) Descriptor() []byte {
	return nil
}

func (Builder) Create(label string) (backend.DataSource, error) {
	return NewDataSource(label), nil
}

func (Builder) Restore(label string, dir string) (backend.DataSource, error) {
	file, err := os.Open(snapshotFile(dir, label))
	if err != nil {
		return nil, fmt.Errorf("failed to open memory snapshot: %w", err)
	}
	res := NewDataSource(label)
	err = errors.Join(res.load(bufio.NewReader(file)), file.Close())
	if err != nil {
		return nil, fmt.Errorf("failed to load memory snapshot: %w", err)
	}
	return res, nil
}

func snapshotFile(dir, label string) string {
	return filepath.Join(dir, label+".mem")
}

// DataSource is an in-memory backend.DataSource implementation. It keeps all
// hashes and leaves in maps and is mostly intended for tests and tools.
type DataSource struct {
	label  string
	hashes map[common.Path]common.Hash
	leaves map[common.Path]backend.LeafRecord
	keys   map[string]common.Path
	first  common.Path
	last   common.Path

	readOnly bool
	closed   bool
	mutex    sync.RWMutex
}

// NewDataSource creates an empty in-memory data source.
func NewDataSource(label string) *DataSource {
	return &DataSource{
		label:  label,
		hashes: map[common.Path]common.Hash{},
		leaves: map[common.Path]backend.LeafRecord{},
		keys:   map[string]common.Path{},
		first:  common.InvalidPath,
		last:   common.InvalidPath,
	}
}

func (s *DataSource) LoadHash(path common.Path) (common.Hash, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return common.Hash{}, false, backend.ErrClosed
	}
	hash, found := s.hashes[path]
	return hash, found, nil
}

func (s *DataSource) LoadLeaf(path common.Path) (*backend.LeafRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	return s.loadLeaf(path), nil
}

func (s *DataSource) loadLeaf(path common.Path) *backend.LeafRecord {
	leaf, found := s.leaves[path]
	if !found {
		return nil
	}
	return &backend.LeafRecord{
		Path:  leaf.Path,
		Key:   slices.Clone(leaf.Key),
		Value: slices.Clone(leaf.Value),
	}
}

func (s *DataSource) LoadLeafByKey(key []byte) (*backend.LeafRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	path, found := s.keys[string(key)]
	if !found {
		return nil, nil
	}
	return s.loadLeaf(path), nil
}

func (s *DataSource) FindKey(key []byte) (common.Path, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return common.InvalidPath, backend.ErrClosed
	}
	path, found := s.keys[string(key)]
	if !found {
		return common.InvalidPath, nil
	}
	return path, nil
}

func (s *DataSource) FirstLeafPath() common.Path {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.first
}

func (s *DataSource) LastLeafPath() common.Path {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.last
}

func (s *DataSource) SaveRecords(
	firstLeafPath, lastLeafPath common.Path,
	hashes []backend.HashRecord,
	upserts []backend.LeafRecord,
	deletes []backend.LeafRecord,
	_ bool,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	if s.readOnly {
		return fmt.Errorf("cannot save records into read-only data source %q", s.label)
	}

	for _, leaf := range deletes {
		delete(s.keys, string(leaf.Key))
		if cur, found := s.leaves[leaf.Path]; found && backend.SameKey(cur.Key, leaf.Key) {
			delete(s.leaves, leaf.Path)
		}
	}

	for _, path := range backend.PrunedPaths(s.first, s.last, firstLeafPath, lastLeafPath) {
		s.removeLeafAt(path)
	}
	for path := lastLeafPath + 1; path <= s.last; path++ {
		delete(s.hashes, path)
	}

	for _, leaf := range upserts {
		if cur, found := s.leaves[leaf.Path]; found && !backend.SameKey(cur.Key, leaf.Key) {
			s.removeLeafAt(leaf.Path)
		}
		s.leaves[leaf.Path] = backend.LeafRecord{
			Path:  leaf.Path,
			Key:   slices.Clone(leaf.Key),
			Value: slices.Clone(leaf.Value),
		}
		s.keys[string(leaf.Key)] = leaf.Path
	}

	for _, rec := range hashes {
		s.hashes[rec.Path] = rec.Hash
	}

	s.first = firstLeafPath
	s.last = lastLeafPath
	return nil
}

// removeLeafAt drops the leaf stored at the given path, and its key entry if
// the key still refers to this path.
func (s *DataSource) removeLeafAt(path common.Path) {
	cur, found := s.leaves[path]
	if !found {
		return
	}
	if s.keys[string(cur.Key)] == path {
		delete(s.keys, string(cur.Key))
	}
	delete(s.leaves, path)
}

func (s *DataSource) Copy(mutable bool) (backend.DataSource, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	return &DataSource{
		label:    s.label,
		hashes:   maps.Clone(s.hashes),
		leaves:   maps.Clone(s.leaves),
		keys:     maps.Clone(s.keys),
		first:    s.first,
		last:     s.last,
		readOnly: !mutable,
	}, nil
}

func (s *DataSource) Snapshot(dir string) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return backend.ErrClosed
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	file, err := os.Create(snapshotFile(dir, s.label))
	if err != nil {
		return fmt.Errorf("failed to create memory snapshot: %w", err)
	}
	buffer := bufio.NewWriter(file)
	return errors.Join(
		s.store(buffer),
		buffer.Flush(),
		file.Close(),
	)
}

// StopAndDisableBackgroundCompaction is a no-op, there is nothing to compact.
func (s *DataSource) StopAndDisableBackgroundCompaction() {}

func (s *DataSource) GetMemoryFootprint() *common.MemoryFootprint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	res := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	res.AddChild("hashes", memoryFootprintOfMap(s.hashes))
	leaves := memoryFootprintOfMap(s.leaves)
	payload := uintptr(0)
	for _, leaf := range s.leaves {
		payload += uintptr(len(leaf.Key) + len(leaf.Value))
	}
	leaves.AddChild("payload", common.NewMemoryFootprint(payload))
	res.AddChild("leaves", leaves)
	res.AddChild("keys", memoryFootprintOfMap(s.keys))
	res.SetNote(fmt.Sprintf("(leaves: %d)", len(s.leaves)))
	return res
}

func (s *DataSource) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

func memoryFootprintOfMap[A comparable, B any](m map[A]B) *common.MemoryFootprint {
	entrySize :=
		reflect.TypeFor[A]().Size() +
			reflect.TypeFor[B]().Size()
	return common.NewMemoryFootprint(uintptr(len(m)) * entrySize)
}

// --- Snapshot Export/Import ---

// Magic number of the memory snapshot format.
const snapshotMagic uint32 = 0x7A3D0B05

// store exports the data source to a binary writer. Hashes and leaves are
// sorted by path, such that the output is deterministic.
func (s *DataSource) store(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, []int64{int64(s.first), int64(s.last)}); err != nil {
		return err
	}

	hashPaths := slices.Sorted(maps.Keys(s.hashes))
	if err := binary.Write(w, binary.BigEndian, uint64(len(hashPaths))); err != nil {
		return err
	}
	for _, path := range hashPaths {
		hash := s.hashes[path]
		if err := binary.Write(w, binary.BigEndian, int64(path)); err != nil {
			return err
		}
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}
	}

	leafPaths := slices.Sorted(maps.Keys(s.leaves))
	if err := binary.Write(w, binary.BigEndian, uint64(len(leafPaths))); err != nil {
		return err
	}
	for _, path := range leafPaths {
		leaf := s.leaves[path]
		if err := binary.Write(w, binary.BigEndian, int64(path)); err != nil {
			return err
		}
		for _, data := range [][]byte{leaf.Key, leaf.Value} {
			if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
		}
	}
	return nil
}

// load imports a snapshot produced by store, replacing the current content.
func (s *DataSource) load(r io.Reader) error {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return err
	}
	if magic != snapshotMagic {
		return fmt.Errorf("invalid memory snapshot magic number: %x", magic)
	}
	var bounds [2]int64
	if err := binary.Read(r, binary.BigEndian, &bounds); err != nil {
		return err
	}
	s.first, s.last = common.Path(bounds[0]), common.Path(bounds[1])
	s.hashes = map[common.Path]common.Hash{}
	s.leaves = map[common.Path]backend.LeafRecord{}
	s.keys = map[string]common.Path{}

	var numHashes uint64
	if err := binary.Read(r, binary.BigEndian, &numHashes); err != nil {
		return err
	}
	for range numHashes {
		var path int64
		var hash common.Hash
		if err := binary.Read(r, binary.BigEndian, &path); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return err
		}
		s.hashes[common.Path(path)] = hash
	}

	var numLeaves uint64
	if err := binary.Read(r, binary.BigEndian, &numLeaves); err != nil {
		return err
	}
	for range numLeaves {
		var path int64
		if err := binary.Read(r, binary.BigEndian, &path); err != nil {
			return err
		}
		var parts [2][]byte
		for i := range parts {
			var length uint32
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return err
			}
			parts[i] = make([]byte, length)
			if _, err := io.ReadFull(r, parts[i]); err != nil {
				return err
			}
		}
		s.leaves[common.Path(path)] = backend.LeafRecord{Path: common.Path(path), Key: parts[0], Value: parts[1]}
		s.keys[string(parts[0])] = common.Path(path)
	}
	return nil
}
