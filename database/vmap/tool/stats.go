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
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

var mapFlag = cli.StringFlag{
	Name:     "map",
	Usage:    "map directory to read from",
	Required: true,
}

var Stats = cli.Command{
	Action: action(stats),
	Name:   "stats",
	Usage:  "prints the shape and root hash of a stored map",
	Flags: []cli.Flag{
		&mapFlag,
	},
}

func stats(ctx *cli.Context, env *environment) error {
	m, err := load(env, ctx.String(mapFlag.Name))
	if err != nil {
		return err
	}
	defer m.Pipeline().Terminate()

	hash, err := seal(m)
	if err != nil {
		return err
	}
	state := m.State()
	printf(ctx, "label: %s\n", state.Label)
	printf(ctx, "version: %d\n", m.Version())
	printf(ctx, "size: %s\n", humanize.Comma(state.Size()))
	printf(ctx, "leaf paths: [%d,%d]\n", state.FirstLeafPath, state.LastLeafPath)
	printf(ctx, "root hash: %v\n", hash)
	printf(ctx, "memory: %s\n", humanize.IBytes(uint64(m.GetMemoryFootprint().Total())))
	return nil
}
