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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hashgraph/hedera-services-sub071/database/vmap/reconnect"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
)

var (
	teacherFlag = cli.StringFlag{
		Name:     "teacher",
		Usage:    "map directory of the teacher",
		Required: true,
	}
	learnerFlag = cli.StringFlag{
		Name:     "learner",
		Usage:    "map directory of the learner",
		Required: true,
	}
	modeFlag = cli.StringFlag{
		Name:  "mode",
		Usage: "push, pull-top-to-bottom or pull-two-phase-pessimistic, taken from the settings if empty",
	}
	transportFlag = cli.StringFlag{
		Name:  "transport",
		Usage: "memory or tcp",
		Value: "memory",
	}
	resultFlag = cli.StringFlag{
		Name:  "out",
		Usage: "map directory to write the synchronized learner map to, not written if empty",
	}
)

var Reconnect = cli.Command{
	Action: action(doReconnect),
	Name:   "reconnect",
	Usage:  "synchronizes a learner map with a teacher map and checks the result",
	Flags: []cli.Flag{
		&teacherFlag,
		&learnerFlag,
		&modeFlag,
		&transportFlag,
		&resultFlag,
	},
}

func doReconnect(ctx *cli.Context, env *environment) error {
	mode := env.settings.ReconnectMode
	if m := ctx.String(modeFlag.Name); m != "" {
		mode = settings.ReconnectMode(m)
	}

	teacher, err := load(env, ctx.String(teacherFlag.Name))
	if err != nil {
		return fmt.Errorf("failed to load teacher: %w", err)
	}
	defer teacher.Pipeline().Terminate()
	learner, err := load(env, ctx.String(learnerFlag.Name))
	if err != nil {
		return fmt.Errorf("failed to load learner: %w", err)
	}
	defer learner.Pipeline().Terminate()

	want, err := seal(teacher)
	if err != nil {
		return err
	}
	if _, err := seal(learner); err != nil {
		return err
	}

	teacherConn, learnerConn, err := connect(ctx.Context, ctx.String(transportFlag.Name))
	if err != nil {
		return err
	}
	defer func() {
		_ = teacherConn.Close()
		_ = learnerConn.Close()
	}()

	start := time.Now()
	var result *balances
	g, gctx := errgroup.WithContext(ctx.Context)
	g.Go(func() error {
		logger := env.logger.With().Str("role", "teacher").Logger()
		return reconnect.Teacher(gctx, teacher, teacherConn, reconnect.WithMode(mode), reconnect.WithLogger(logger))
	})
	g.Go(func() error {
		logger := env.logger.With().Str("role", "learner").Logger()
		var err error
		result, err = reconnect.Learner(gctx, learner, learnerConn, reconnect.WithLogger(logger))
		return err
	})
	if err := g.Wait(); err != nil {
		if result != nil {
			result.Pipeline().Terminate()
		}
		return err
	}
	defer result.Pipeline().Terminate()

	got, err := seal(result)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("synchronized root hash %v differs from teacher root hash %v", got, want)
	}
	printf(ctx, "synchronized %s entries in %v\n", humanize.Comma(result.Size()), time.Since(start).Round(time.Millisecond))
	printf(ctx, "root hash: %v\n", got)

	if dir := ctx.String(resultFlag.Name); dir != "" {
		if err := save(result, dir); err != nil {
			return fmt.Errorf("failed to save synchronized map: %w", err)
		}
	}
	return nil
}

// connect creates a connected pair of reconnect connections.
func connect(ctx context.Context, transport string) (reconnect.Conn, reconnect.Conn, error) {
	switch transport {
	case "memory":
		a, b := reconnect.Pipe(1024)
		return a, b, nil
	case "tcp":
		return connectTCP(ctx)
	}
	return nil, nil, fmt.Errorf("unknown transport %q", transport)
}

func connectTCP(ctx context.Context) (reconnect.Conn, reconnect.Conn, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	var dialer net.Dialer
	client, err := dialer.DialContext(ctx, "tcp", listener.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	select {
	case server := <-accepted:
		return reconnect.NewStreamConn(server), reconnect.NewStreamConn(client), nil
	case err := <-acceptErr:
		return nil, nil, errors.Join(err, client.Close())
	}
}
