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
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/hashgraph/hedera-services-sub071/backend/memory"
	"github.com/hashgraph/hedera-services-sub071/database/vmap"
)

var (
	outFlag = cli.StringFlag{
		Name:     "out",
		Usage:    "map directory to write the result to",
		Required: true,
	}
	backendFlag = cli.StringFlag{
		Name:  "backend",
		Usage: "data source kind: memory, leveldb, sqlite or badger",
		Value: memory.Kind,
	}
	entriesFlag = cli.IntFlag{
		Name:  "entries",
		Usage: "number of updates to apply",
		Value: 10_000,
	}
	copiesFlag = cli.IntFlag{
		Name:  "copies",
		Usage: "number of versions the updates are spread over",
		Value: 10,
	}
	removalsFlag = cli.IntFlag{
		Name:  "removals",
		Usage: "percentage of updates removing an account",
		Value: 10,
	}
	seedFlag = cli.Int64Flag{
		Name:  "seed",
		Usage: "seed of the random update sequence",
		Value: 42,
	}
)

var Fill = cli.Command{
	Action: action(fill),
	Name:   "fill",
	Usage:  "creates a map from a sequence of random balance updates",
	Flags: []cli.Flag{
		&outFlag,
		&backendFlag,
		&entriesFlag,
		&copiesFlag,
		&removalsFlag,
		&seedFlag,
	},
}

func fill(ctx *cli.Context, env *environment) error {
	dir := ctx.String(outFlag.Name)
	entries := ctx.Int(entriesFlag.Name)
	copies := max(ctx.Int(copiesFlag.Name), 1)
	removals := ctx.Int(removalsFlag.Name)
	builder, err := env.newBuilder(ctx.String(backendFlag.Name), dir)
	if err != nil {
		return err
	}
	m, err := vmap.New[int64, uint256.Int](label, builder, keySerializer, valueSerializer, env.options()...)
	if err != nil {
		return err
	}
	defer m.Pipeline().Terminate()

	start := time.Now()
	rng := rand.New(rand.NewSource(ctx.Int64(seedFlag.Name)))
	accounts := int64(max(entries/2, 1))
	perCopy := (entries + copies - 1) / copies
	for i := 0; i < copies; i++ {
		for j := 0; j < perCopy && i*perCopy+j < entries; j++ {
			account := rng.Int63n(accounts)
			if rng.Intn(100) < removals {
				if _, _, err := m.Remove(account); err != nil {
					return err
				}
				continue
			}
			var balance uint256.Int
			balance.SetUint64(rng.Uint64())
			if err := m.Put(account, balance); err != nil {
				return err
			}
		}
		next, err := m.Copy()
		if err != nil {
			return err
		}
		if i == copies-1 {
			break
		}
		if err := m.Release(); err != nil {
			return err
		}
		m = next
		env.logger.Debug().Int("copy", i+1).Str("size", humanize.Comma(m.Size())).Msg("filled copy")
	}

	hash, err := m.Hash()
	if err != nil {
		return err
	}
	if err := save(m, dir); err != nil {
		return fmt.Errorf("failed to save map: %w", err)
	}
	env.logger.Info().Dur("duration", time.Since(start)).Msg("map filled")
	printf(ctx, "size: %s\n", humanize.Comma(m.Size()))
	printf(ctx, "version: %d\n", m.Version())
	printf(ctx, "root hash: %v\n", hash)
	return nil
}
