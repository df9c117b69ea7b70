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
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hashgraph/hedera-services-sub071/common/diagnostics"
)

// Run using
//  go run ./database/vmap/tool <command> <flags>

var (
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "minimum level of log messages: debug, info, warn or error",
		Value: "info",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "virtual map settings file (toml, yaml or json), defaults are used if empty",
		Value: "",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "vmap",
		Usage:     "virtual map toolbox",
		Copyright: "(c) 2025 Sonic Operations Ltd",
		Flags: append(diagnostics.Flags(),
			&logLevelFlag,
			&configFlag,
		),
		Commands: []*cli.Command{
			&Fill,
			&Stats,
			&Verify,
			&Reconnect,
		},
	}
}
