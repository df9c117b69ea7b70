// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package diagnostics adds profiling support to command line tools.
package diagnostics

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var (
	PortFlag = cli.IntFlag{
		Name:  "diagnostic-port",
		Usage: "enable hosting of a realtime diagnostic server by providing a port",
		Value: 0,
	}
	CpuProfileFlag = cli.StringFlag{
		Name:  "cpuprofile",
		Usage: "sets the target file for storing CPU profiles to, disabled if empty",
		Value: "",
	}
	TraceFlag = cli.StringFlag{
		Name:  "tracefile",
		Usage: "sets the target file for traces to, disabled if empty",
		Value: "",
	}
)

// Flags lists the flags read by Wrap.
func Flags() []cli.Flag {
	return []cli.Flag{&PortFlag, &CpuProfileFlag, &TraceFlag}
}

// Wrap adds performance diagnostics to an action. Depending on the flags
// listed by Flags, a pprof server is started, the CPU profile is recorded
// and an execution trace is written while the action runs.
func Wrap(action cli.ActionFunc, logger zerolog.Logger) cli.ActionFunc {
	return func(ctx *cli.Context) (err error) {
		startDiagnosticServer(ctx.Int(PortFlag.Name), logger)

		if file := strings.TrimSpace(ctx.String(CpuProfileFlag.Name)); file != "" {
			stop, startErr := startCpuProfiler(file)
			if startErr != nil {
				return startErr
			}
			defer func() { err = errors.Join(err, stop()) }()
		}

		if file := strings.TrimSpace(ctx.String(TraceFlag.Name)); file != "" {
			stop, startErr := startTracer(file)
			if startErr != nil {
				return startErr
			}
			defer func() { err = errors.Join(err, stop()) }()
		}

		return action(ctx)
	}
}

func startDiagnosticServer(port int, logger zerolog.Logger) {
	if port <= 0 || port >= (1<<16) {
		return
	}
	logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d/debug/pprof", port)).
		Msg("starting diagnostic server, block and mutex sampling enabled")
	go func() {
		err := http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)
		logger.Warn().Err(err).Msg("diagnostic server stopped")
	}()
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
}

func startCpuProfiler(filename string) (func() error, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		return nil, errors.Join(fmt.Errorf("could not start CPU profile: %w", err), f.Close())
	}
	return func() error {
		pprof.StopCPUProfile()
		return f.Close()
	}, nil
}

func startTracer(filename string) (func() error, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	if err := trace.Start(f); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start trace: %w", err), f.Close())
	}
	return func() error {
		trace.Stop()
		return f.Close()
	}, nil
}
