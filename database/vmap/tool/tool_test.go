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
	"bytes"
	"io"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
)

// runTool runs the tool with the given arguments and returns its output.
func runTool(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"vmap", "--log-level", "warn"}, args...))
	return out.String(), err
}

var rootHashPattern = regexp.MustCompile(`root hash: (\S+)`)

func rootHashOf(t *testing.T, output string) string {
	t.Helper()
	match := rootHashPattern.FindStringSubmatch(output)
	require.NotNil(t, match, "no root hash in %q", output)
	return match[1]
}

func fillMap(t *testing.T, backend string, seed string, entries string) (string, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "map")
	out, err := runTool(t, "fill", "--out", dir, "--backend", backend, "--entries", entries, "--copies", "5", "--seed", seed)
	require.NoError(t, err)
	return dir, rootHashOf(t, out)
}

func TestTool_FillStatsAndVerify(t *testing.T) {
	for _, backend := range []string{"memory", "leveldb", "sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			require := require.New(t)
			dir, hash := fillMap(t, backend, "1", "500")

			out, err := runTool(t, "stats", "--map", dir)
			require.NoError(err)
			require.Contains(out, "label: balances")
			require.Equal(hash, rootHashOf(t, out))

			out, err = runTool(t, "verify", "--map", dir)
			require.NoError(err)
			require.Contains(out, hash)
		})
	}
}

func TestTool_FillIsDeterministic(t *testing.T) {
	_, a := fillMap(t, "memory", "7", "300")
	_, b := fillMap(t, "memory", "7", "300")
	_, c := fillMap(t, "memory", "8", "300")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestTool_ReconnectConvergesToTeacher(t *testing.T) {
	for _, mode := range []settings.ReconnectMode{
		settings.ReconnectModePush,
		settings.ReconnectModePullTopToBottom,
		settings.ReconnectModePullTwoPhasePessimistic,
	} {
		for _, transport := range []string{"memory", "tcp"} {
			t.Run(string(mode)+"/"+transport, func(t *testing.T) {
				require := require.New(t)
				teacher, want := fillMap(t, "leveldb", "1", "400")
				learner, _ := fillMap(t, "leveldb", "2", "300")
				result := filepath.Join(t.TempDir(), "result")

				out, err := runTool(t, "reconnect",
					"--teacher", teacher,
					"--learner", learner,
					"--mode", string(mode),
					"--transport", transport,
					"--out", result,
				)
				require.NoError(err)
				require.Equal(want, rootHashOf(t, out))

				out, err = runTool(t, "verify", "--map", result)
				require.NoError(err)
				require.Contains(out, want)
			})
		}
	}
}

func TestTool_ReconnectModeIsTakenFromSettings(t *testing.T) {
	require := require.New(t)
	s := settings.Default()
	s.ReconnectMode = settings.ReconnectModePullTwoPhasePessimistic
	config := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(s.Save(config))

	teacher, want := fillMap(t, "memory", "3", "100")
	learner, _ := fillMap(t, "memory", "4", "100")
	out, err := runTool(t, "--config", config, "reconnect", "--teacher", teacher, "--learner", learner)
	require.NoError(err)
	require.Equal(want, rootHashOf(t, out))
}

func TestTool_RejectsUnknownBackend(t *testing.T) {
	_, err := runTool(t, "fill", "--out", t.TempDir(), "--backend", "tape")
	require.ErrorContains(t, err, "unknown backend")
}

func TestTool_StatsRequiresStoredMap(t *testing.T) {
	_, err := runTool(t, "stats", "--map", t.TempDir())
	require.Error(t, err)
}
