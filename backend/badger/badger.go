// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package badger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/backend/kv"
	"github.com/rs/zerolog"
)

// Kind is the registered builder kind of Badger data sources.
const Kind = "badger"

func init() {
	backend.RegisterBuilder(Kind, func(descriptor []byte) (backend.Builder, error) {
		return Builder{Dir: string(descriptor), Logger: zerolog.Nop()}, nil
	})
}

// Builder creates Badger backed data sources in working directories below
// Dir. Value log garbage collection runs every GCInterval, if set.
type Builder struct {
	Dir        string
	GCInterval time.Duration
	Logger     zerolog.Logger
}

func (b Builder) Kind() string {
	return Kind
}

func (b Builder) Descriptor() []byte {
	return []byte(b.Dir)
}

func (b Builder) Create(label string) (backend.DataSource, error) {
	return kv.Create(label, b.Dir, b.opener(), b.options()...)
}

func (b Builder) Restore(label string, dir string) (backend.DataSource, error) {
	return kv.Restore(label, b.Dir, dir, b.opener(), b.options()...)
}

func (b Builder) options() []kv.Option {
	return []kv.Option{
		kv.WithLogger(b.Logger),
		kv.WithCompactionInterval(b.GCInterval),
	}
}

func (b Builder) opener() kv.Opener {
	logger := b.Logger
	return func(dir string) (kv.Store, error) {
		store, err := Open(dir, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// Store is a kv.Store backed by a Badger instance.
type Store struct {
	db *badger.DB
}

// Open opens or creates a Badger store in the given directory.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(zerologAdapter{logger.With().Str("module", "badger").Logger()}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger in %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var res []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err = item.ValueCopy(nil)
		return err
	})
	return res, err
}

func (s *Store) Write(batch *kv.Batch) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	err := batch.ForEach(func(key, value []byte, deleted bool) error {
		if deleted {
			return wb.Delete(key)
		}
		return wb.Set(key, value)
	})
	if err != nil {
		return err
	}
	return wb.Flush()
}

func (s *Store) ForEach(visit func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := visit(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Compact runs a value log garbage collection round.
func (s *Store) Compact() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (l zerologAdapter) format(format string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func (l zerologAdapter) Errorf(format string, args ...any) {
	l.logger.Error().Msg(l.format(format, args...))
}

func (l zerologAdapter) Warningf(format string, args ...any) {
	l.logger.Warn().Msg(l.format(format, args...))
}

func (l zerologAdapter) Infof(format string, args ...any) {
	l.logger.Info().Msg(l.format(format, args...))
}

func (l zerologAdapter) Debugf(format string, args ...any) {
	l.logger.Debug().Msg(l.format(format, args...))
}
