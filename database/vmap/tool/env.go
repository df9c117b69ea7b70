// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/backend/badger"
	"github.com/hashgraph/hedera-services-sub071/backend/ldb"
	"github.com/hashgraph/hedera-services-sub071/backend/memory"
	"github.com/hashgraph/hedera-services-sub071/backend/sqlite"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/common/diagnostics"
	"github.com/hashgraph/hedera-services-sub071/database/vmap"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
)

// The tool operates on maps of balances, indexed by account number.
type balances = vmap.Map[int64, uint256.Int]

const label = "balances"

var (
	keySerializer   = common.IntegerSerializer[int64]{}
	valueSerializer = common.Uint256Serializer{}
)

// A map directory holds the serialized header of a version, the snapshot of
// its data source and the working directories of disk based data sources.
const (
	headerFile  = "header"
	snapshotDir = "snapshot"
	workDir     = "work"
)

type environment struct {
	logger   zerolog.Logger
	settings settings.Settings
}

func newEnvironment(ctx *cli.Context) (*environment, error) {
	level, err := zerolog.ParseLevel(ctx.String(logLevelFlag.Name))
	if err != nil {
		return nil, err
	}
	out := ctx.App.ErrWriter
	if out == nil {
		out = os.Stderr
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().
		Logger()

	s := settings.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		if s, err = settings.Load(path); err != nil {
			return nil, err
		}
	}
	return &environment{logger: logger, settings: s}, nil
}

// action adds the environment and the diagnostics to a command action.
func action(run func(*cli.Context, *environment) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		env, err := newEnvironment(ctx)
		if err != nil {
			return err
		}
		return diagnostics.Wrap(func(ctx *cli.Context) error {
			return run(ctx, env)
		}, env.logger)(ctx)
	}
}

func (e *environment) options() []vmap.Option {
	return []vmap.Option{vmap.WithLogger(e.logger), vmap.WithSettings(e.settings)}
}

func (e *environment) newBuilder(kind, dir string) (backend.Builder, error) {
	dir, err := filepath.Abs(filepath.Join(dir, workDir))
	if err != nil {
		return nil, err
	}
	switch kind {
	case memory.Kind:
		return memory.Builder{}, nil
	case ldb.Kind:
		return ldb.Builder{Dir: dir, CompactionInterval: time.Minute}, nil
	case sqlite.Kind:
		return sqlite.Builder{Dir: dir}, nil
	case badger.Kind:
		return badger.Builder{Dir: dir, GCInterval: time.Minute, Logger: e.logger}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}

// save writes the given immutable version into a map directory.
func save(m *balances, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(dir, headerFile))
	if err != nil {
		return err
	}
	return errors.Join(m.Serialize(file, filepath.Join(dir, snapshotDir)), file.Close())
}

// load restores the map stored in a map directory. The result is the
// mutable version following the stored one.
func load(env *environment, dir string) (*balances, error) {
	file, err := os.Open(filepath.Join(dir, headerFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return vmap.Restore[int64, uint256.Int](
		bufio.NewReader(file),
		filepath.Join(dir, snapshotDir),
		keySerializer, valueSerializer,
		env.options()...,
	)
}

// seal makes the given version immutable and hashes it.
func seal(m *balances) (common.Hash, error) {
	if _, err := m.Copy(); err != nil {
		return common.Hash{}, err
	}
	return m.Hash()
}

func printf(ctx *cli.Context, format string, args ...any) {
	fmt.Fprintf(ctx.App.Writer, format, args...)
}
