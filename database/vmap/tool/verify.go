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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/hash"
)

var Verify = cli.Command{
	Action: action(verify),
	Name:   "verify",
	Usage:  "checks the consistency of a stored map and recomputes its root hash",
	Flags: []cli.Flag{
		&mapFlag,
	},
}

func verify(ctx *cli.Context, env *environment) error {
	m, err := load(env, ctx.String(mapFlag.Name))
	if err != nil {
		return err
	}
	defer m.Pipeline().Terminate()

	want, err := seal(m)
	if err != nil {
		return err
	}
	view, err := m.Detach("")
	if err != nil {
		return err
	}
	defer view.Close()

	start := time.Now()
	state := view.State()
	leaves := make([]backend.LeafRecord, 0, state.Size())
	for path := state.FirstLeafPath; state.Size() > 0 && path <= state.LastLeafPath; path++ {
		leaf, err := view.LeafAt(path)
		if err != nil {
			return err
		}
		if leaf == nil {
			return fmt.Errorf("missing leaf at path %d", path)
		}
		key, err := keySerializer.FromBytes(leaf.Key)
		if err != nil {
			return fmt.Errorf("invalid key at path %d: %w", path, err)
		}
		value, found, err := view.Get(key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %d of leaf %d can not be found", key, path)
		}
		if got := valueSerializer.ToBytes(value); string(got) != string(leaf.Value) {
			return fmt.Errorf("value of key %d differs from leaf %d", key, path)
		}
		leaves = append(leaves, *leaf)
	}
	env.logger.Info().Str("leaves", humanize.Comma(int64(len(leaves)))).Msg("leaves verified")

	got := common.EmptyRootHash()
	if len(leaves) > 0 {
		lookup := func(path common.Path) (common.Hash, error) {
			return common.Hash{}, fmt.Errorf("no hash for clean node %d", path)
		}
		got, _, err = hash.NewHasher(env.settings.NumHashThreads).Hash(lookup, leaves, state.FirstLeafPath, state.LastLeafPath, nil)
		if err != nil {
			return err
		}
	}
	if got != want {
		return fmt.Errorf("root hash mismatch, stored %v, recomputed %v", want, got)
	}
	env.logger.Info().Dur("duration", time.Since(start)).Msg("verification completed")
	printf(ctx, "verified %s leaves, root hash %v\n", humanize.Comma(int64(len(leaves))), got)
	return nil
}
