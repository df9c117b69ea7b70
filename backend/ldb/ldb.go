// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package ldb

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/backend/kv"
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Kind is the registered builder kind of LevelDB data sources.
const Kind = "leveldb"

func init() {
	backend.RegisterBuilder(Kind, func(descriptor []byte) (backend.Builder, error) {
		return Builder{Dir: string(descriptor)}, nil
	})
}

// Builder creates LevelDB backed data sources in working directories below
// Dir. The compaction interval is not part of the descriptor.
type Builder struct {
	Dir                string
	CompactionInterval time.Duration
}

func (b Builder) Kind() string {
	return Kind
}

func (b Builder) Descriptor() []byte {
	return []byte(b.Dir)
}

func (b Builder) Create(label string) (backend.DataSource, error) {
	return kv.Create(label, b.Dir, Open, kv.WithCompactionInterval(b.CompactionInterval))
}

func (b Builder) Restore(label string, dir string) (backend.DataSource, error) {
	return kv.Restore(label, b.Dir, dir, Open, kv.WithCompactionInterval(b.CompactionInterval))
}

// Store is a kv.Store backed by a LevelDB instance. Values are snappy
// compressed individually, LevelDB's block compression is disabled.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates a LevelDB store in the given directory.
func Open(dir string) (kv.Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb in %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, value)
}

func (s *Store) Write(batch *kv.Batch) error {
	res := new(leveldb.Batch)
	err := batch.ForEach(func(key, value []byte, deleted bool) error {
		if deleted {
			res.Delete(key)
		} else {
			res.Put(key, snappy.Encode(nil, value))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Write(res, nil)
}

func (s *Store) ForEach(visit func(key, value []byte) error) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		value, err := snappy.Decode(nil, iter.Value())
		if err != nil {
			return err
		}
		if err := visit(append([]byte{}, iter.Key()...), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) Compact() error {
	return s.db.CompactRange(util.Range{})
}

func (s *Store) Close() error {
	return s.db.Close()
}
