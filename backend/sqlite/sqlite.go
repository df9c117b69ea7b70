// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/backend/kv"
	_ "github.com/mattn/go-sqlite3"
)

// Kind is the registered builder kind of SQLite data sources.
const Kind = "sqlite"

func init() {
	backend.RegisterBuilder(Kind, func(descriptor []byte) (backend.Builder, error) {
		return Builder{Dir: string(descriptor)}, nil
	})
}

// Builder creates SQLite backed data sources in working directories below
// Dir.
type Builder struct {
	Dir string
}

func (b Builder) Kind() string {
	return Kind
}

func (b Builder) Descriptor() []byte {
	return []byte(b.Dir)
}

func (b Builder) Create(label string) (backend.DataSource, error) {
	return kv.Create(label, b.Dir, Open)
}

func (b Builder) Restore(label string, dir string) (backend.DataSource, error) {
	return kv.Restore(label, b.Dir, dir, Open)
}

const (
	createTable = "CREATE TABLE IF NOT EXISTS entries (key BLOB PRIMARY KEY, value BLOB NOT NULL) WITHOUT ROWID"
	selectValue = "SELECT value FROM entries WHERE key = ?"
	upsertValue = "INSERT OR REPLACE INTO entries (key, value) VALUES (?, ?)"
	deleteValue = "DELETE FROM entries WHERE key = ?"
	selectAll   = "SELECT key, value FROM entries ORDER BY key"
)

// Store is a kv.Store keeping all entries in a single SQLite table.
type Store struct {
	db  *sql.DB
	get *sql.Stmt
}

// Open opens or creates a SQLite store in the given directory.
func Open(dir string) (kv.Store, error) {
	db, err := sql.Open("sqlite3", filepath.Join(dir, "data.sqlite")+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite in %q: %w", dir, err)
	}
	// A single connection serializes writers and keeps the WAL consistent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createTable); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	get, err := db.Prepare(selectValue)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &Store{db: db, get: get}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.get.QueryRow(key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return value, err
}

func (s *Store) Write(batch *kv.Batch) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()
	upsert, err := tx.Prepare(upsertValue)
	if err != nil {
		return err
	}
	defer upsert.Close()
	remove, err := tx.Prepare(deleteValue)
	if err != nil {
		return err
	}
	defer remove.Close()

	err = batch.ForEach(func(key, value []byte, deleted bool) error {
		var err error
		if deleted {
			_, err = remove.Exec(key)
		} else {
			_, err = upsert.Exec(key, value)
		}
		return err
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ForEach(visit func(key, value []byte) error) error {
	rows, err := s.db.Query(selectAll)
	if err != nil {
		return err
	}
	// Entries are collected first since the only connection is held by the
	// cursor until it is closed.
	type entry struct{ key, value []byte }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			return errors.Join(err, rows.Close())
		}
		entries = append(entries, e)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return err
	}
	for _, e := range entries {
		if err := visit(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Compact() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

func (s *Store) Close() error {
	return errors.Join(s.get.Close(), s.db.Close())
}
