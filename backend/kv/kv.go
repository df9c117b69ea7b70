// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package kv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/rs/zerolog"
)

// Store is the minimal key/value storage a DataSource is built on.
type Store interface {
	// Get returns the value stored for the key, or nil if there is none.
	Get(key []byte) ([]byte, error)
	// Write atomically applies the given batch of changes.
	Write(batch *Batch) error
	// ForEach visits all entries of the store in key order.
	ForEach(visit func(key, value []byte) error) error
	Close() error
}

// Compactor is implemented by stores that support explicit compaction.
type Compactor interface {
	Compact() error
}

// Opener opens or creates a store in the given directory.
type Opener func(dir string) (Store, error)

// Table spaces of the persisted entries. Each key starts with one of those.
const (
	hashTable byte = 'H'
	leafTable byte = 'L'
	keyTable  byte = 'K'
	metaTable byte = 'M'
)

func hashKey(path common.Path) []byte {
	var res [9]byte
	res[0] = hashTable
	binary.BigEndian.PutUint64(res[1:], uint64(path))
	return res[:]
}

func leafKey(path common.Path) []byte {
	var res [9]byte
	res[0] = leafTable
	binary.BigEndian.PutUint64(res[1:], uint64(path))
	return res[:]
}

func keyIndexKey(key []byte) []byte {
	res := make([]byte, 0, 1+len(key))
	res = append(res, keyTable)
	return append(res, key...)
}

var metaKey = []byte{metaTable}

func encodeLeaf(key, value []byte) []byte {
	res := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(value))
	res = binary.AppendUvarint(res, uint64(len(key)))
	res = append(res, key...)
	return append(res, value...)
}

func decodeLeaf(path common.Path, data []byte) (*backend.LeafRecord, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < length {
		return nil, fmt.Errorf("corrupted leaf record at path %d", path)
	}
	data = data[n:]
	return &backend.LeafRecord{
		Path:  path,
		Key:   append([]byte{}, data[:length]...),
		Value: append([]byte{}, data[length:]...),
	}, nil
}

func encodePath(path common.Path) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(path))
}

func decodePath(data []byte) (common.Path, error) {
	if len(data) != 8 {
		return common.InvalidPath, fmt.Errorf("invalid path encoding of length %d", len(data))
	}
	return common.Path(binary.BigEndian.Uint64(data)), nil
}

// DataSource implements backend.DataSource on top of a key/value Store.
// Each instance owns its working directory, which is removed on Close.
type DataSource struct {
	label  string
	dir    string
	store  Store
	open   Opener
	logger zerolog.Logger

	first common.Path
	last  common.Path

	readOnly bool
	closed   bool
	mutex    sync.RWMutex

	stopCompaction chan struct{}
	compactionDone chan struct{}
	compactionOnce sync.Once
}

// Option customizes a DataSource.
type Option func(*DataSource)

// WithLogger sets the logger used for background maintenance reports.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *DataSource) {
		s.logger = logger
	}
}

// WithCompactionInterval enables periodic compaction of stores supporting it.
func WithCompactionInterval(interval time.Duration) Option {
	return func(s *DataSource) {
		if _, ok := s.store.(Compactor); !ok || interval <= 0 {
			return
		}
		s.stopCompaction = make(chan struct{})
		s.compactionDone = make(chan struct{})
		go s.compact(interval)
	}
}

// Create opens a new, empty data source in a fresh working directory below
// the given base directory.
func Create(label, baseDir string, open Opener, opts ...Option) (*DataSource, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data source directory: %w", err)
	}
	dir, err := os.MkdirTemp(baseDir, label+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create data source directory: %w", err)
	}
	store, err := open(dir)
	if err != nil {
		return nil, errors.Join(err, os.RemoveAll(dir))
	}
	res := &DataSource{
		label:  label,
		dir:    dir,
		store:  store,
		open:   open,
		logger: zerolog.Nop(),
		first:  common.InvalidPath,
		last:   common.InvalidPath,
	}
	for _, opt := range opts {
		opt(res)
	}
	return res, nil
}

// Restore creates a new data source below baseDir holding a copy of the
// snapshot previously written to snapshotDir.
func Restore(label, baseDir, snapshotDir string, open Opener, opts ...Option) (*DataSource, error) {
	source, err := open(SnapshotDir(snapshotDir, label))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	res, err := Create(label, baseDir, open, opts...)
	if err != nil {
		return nil, errors.Join(err, source.Close())
	}
	if err := errors.Join(copyEntries(source, res.store), source.Close()); err != nil {
		return nil, errors.Join(err, res.Close())
	}
	if err := res.loadMetadata(); err != nil {
		return nil, errors.Join(err, res.Close())
	}
	return res, nil
}

// SnapshotDir is the directory a data source with the given label is
// snapshotted to within the given snapshot directory.
func SnapshotDir(dir, label string) string {
	return filepath.Join(dir, label)
}

func (s *DataSource) loadMetadata() error {
	data, err := s.store.Get(metaKey)
	if err != nil {
		return err
	}
	if data == nil {
		s.first, s.last = common.InvalidPath, common.InvalidPath
		return nil
	}
	if len(data) != 16 {
		return fmt.Errorf("invalid metadata of length %d", len(data))
	}
	s.first = common.Path(binary.BigEndian.Uint64(data[0:]))
	s.last = common.Path(binary.BigEndian.Uint64(data[8:]))
	return nil
}

func (s *DataSource) LoadHash(path common.Path) (common.Hash, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return common.Hash{}, false, backend.ErrClosed
	}
	data, err := s.store.Get(hashKey(path))
	if err != nil || data == nil {
		return common.Hash{}, false, err
	}
	hash, err := common.HashFromBytes(data)
	if err != nil {
		return common.Hash{}, false, err
	}
	return hash, true, nil
}

func (s *DataSource) LoadLeaf(path common.Path) (*backend.LeafRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	return s.loadLeaf(s.store, path)
}

func (s *DataSource) loadLeaf(reader getter, path common.Path) (*backend.LeafRecord, error) {
	data, err := reader.Get(leafKey(path))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeLeaf(path, data)
}

func (s *DataSource) LoadLeafByKey(key []byte) (*backend.LeafRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	path, err := s.findKey(s.store, key)
	if err != nil || path == common.InvalidPath {
		return nil, err
	}
	leaf, err := s.loadLeaf(s.store, path)
	if err != nil || leaf == nil {
		return nil, err
	}
	if !backend.SameKey(leaf.Key, key) {
		return nil, fmt.Errorf("inconsistent key index: leaf at path %d has key %x, expected %x", path, leaf.Key, key)
	}
	return leaf, nil
}

func (s *DataSource) FindKey(key []byte) (common.Path, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return common.InvalidPath, backend.ErrClosed
	}
	return s.findKey(s.store, key)
}

func (s *DataSource) findKey(reader getter, key []byte) (common.Path, error) {
	data, err := reader.Get(keyIndexKey(key))
	if err != nil || data == nil {
		return common.InvalidPath, err
	}
	return decodePath(data)
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

	batch := NewBatch(s.store)
	for _, leaf := range deletes {
		batch.Delete(keyIndexKey(leaf.Key))
		cur, err := s.loadLeaf(batch, leaf.Path)
		if err != nil {
			return err
		}
		if cur != nil && backend.SameKey(cur.Key, leaf.Key) {
			batch.Delete(leafKey(leaf.Path))
		}
	}

	for _, path := range backend.PrunedPaths(s.first, s.last, firstLeafPath, lastLeafPath) {
		if err := s.removeLeafAt(batch, path); err != nil {
			return err
		}
	}
	for path := lastLeafPath + 1; path <= s.last; path++ {
		batch.Delete(hashKey(path))
	}

	for _, leaf := range upserts {
		cur, err := s.loadLeaf(batch, leaf.Path)
		if err != nil {
			return err
		}
		if cur != nil && !backend.SameKey(cur.Key, leaf.Key) {
			if err := s.removeLeafAt(batch, leaf.Path); err != nil {
				return err
			}
		}
		batch.Put(leafKey(leaf.Path), encodeLeaf(leaf.Key, leaf.Value))
		batch.Put(keyIndexKey(leaf.Key), encodePath(leaf.Path))
	}

	for _, rec := range hashes {
		batch.Put(hashKey(rec.Path), rec.Hash.ToBytes())
	}

	meta := binary.BigEndian.AppendUint64(nil, uint64(firstLeafPath))
	meta = binary.BigEndian.AppendUint64(meta, uint64(lastLeafPath))
	batch.Put(metaKey, meta)

	if err := s.store.Write(batch); err != nil {
		return fmt.Errorf("failed to write batch to data source %q: %w", s.label, err)
	}
	s.first = firstLeafPath
	s.last = lastLeafPath
	return nil
}

func (s *DataSource) removeLeafAt(batch *Batch, path common.Path) error {
	cur, err := s.loadLeaf(batch, path)
	if err != nil || cur == nil {
		return err
	}
	indexed, err := s.findKey(batch, cur.Key)
	if err != nil {
		return err
	}
	if indexed == path {
		batch.Delete(keyIndexKey(cur.Key))
	}
	batch.Delete(leafKey(path))
	return nil
}

func (s *DataSource) Copy(mutable bool) (backend.DataSource, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	res, err := Create(s.label, filepath.Dir(s.dir), s.open, WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	if err := copyEntries(s.store, res.store); err != nil {
		return nil, errors.Join(err, res.Close())
	}
	res.first, res.last = s.first, s.last
	res.readOnly = !mutable
	return res, nil
}

func (s *DataSource) Snapshot(dir string) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return backend.ErrClosed
	}
	target := SnapshotDir(dir, s.label)
	if err := os.MkdirAll(target, 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	store, err := s.open(target)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	return errors.Join(copyEntries(s.store, store), store.Close())
}

func (s *DataSource) StopAndDisableBackgroundCompaction() {
	s.compactionOnce.Do(func() {
		if s.stopCompaction == nil {
			return
		}
		close(s.stopCompaction)
		<-s.compactionDone
	})
}

func (s *DataSource) compact(interval time.Duration) {
	defer close(s.compactionDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCompaction:
			return
		case <-ticker.C:
			s.mutex.RLock()
			if !s.closed {
				start := time.Now()
				if err := s.store.(Compactor).Compact(); err != nil {
					s.logger.Warn().Err(err).Str("label", s.label).Msg("compaction failed")
				} else {
					s.logger.Debug().Str("label", s.label).Dur("duration", time.Since(start)).Msg("compaction completed")
				}
			}
			s.mutex.RUnlock()
		}
	}
}

func (s *DataSource) GetMemoryFootprint() *common.MemoryFootprint {
	res := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	res.SetNote(fmt.Sprintf("(dir: %s)", s.dir))
	return res
}

func (s *DataSource) Close() error {
	s.StopAndDisableBackgroundCompaction()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.store.Close(), os.RemoveAll(s.dir))
}

// Dir returns the working directory of this data source.
func (s *DataSource) Dir() string {
	return s.dir
}

func copyEntries(from, to Store) error {
	const maxBatchSize = 1 << 14
	batch := NewBatch(to)
	err := from.ForEach(func(key, value []byte) error {
		batch.Put(key, value)
		if batch.Len() < maxBatchSize {
			return nil
		}
		if err := to.Write(batch); err != nil {
			return err
		}
		batch = NewBatch(to)
		return nil
	})
	if err != nil {
		return err
	}
	return to.Write(batch)
}
