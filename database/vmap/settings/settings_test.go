// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require := require.New(t)
	s := Default()
	require.NoError(s.Validate())
	require.Equal(int64(20), s.FlushInterval)
	require.Equal(ReconnectModePush, s.ReconnectMode)
	require.GreaterOrEqual(s.CopyFlushThreshold, int64(minCopyFlushThreshold))
	require.Greater(s.FamilyThrottleThreshold, s.CopyFlushThreshold)
	require.Equal(int64(1<<31), s.MaximumVirtualMapSize)
}

func TestValidate_DetectsInvalidOptions(t *testing.T) {
	tests := map[string]func(*Settings){
		"flush interval":     func(s *Settings) { s.FlushInterval = 0 },
		"threshold":          func(s *Settings) { s.CopyFlushThreshold = -1 },
		"hash threads":       func(s *Settings) { s.NumHashThreads = 0 },
		"reconnect mode":     func(s *Settings) { s.ReconnectMode = "sideways" },
		"warning threshold":  func(s *Settings) { s.VirtualMapWarningThreshold = -5 },
		"flush queue size":   func(s *Settings) { s.PreferredFlushQueueSize = -1 },
		"rehash timeout":     func(s *Settings) { s.FullRehashTimeout = 0 },
		"reconnect capacity": func(s *Settings) { s.ReconnectQueueSize = 0 },
		"family throttle":    func(s *Settings) { s.FamilyThrottleThreshold = -1 },
	}
	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			s := Default()
			modify(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestSettings_SaveAndLoadRoundTrip(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "vmap.toml")

	s := Default()
	s.FlushInterval = 7
	s.ReconnectMode = ReconnectModePullTwoPhasePessimistic
	s.FlushThrottleStepSize = 150 * time.Millisecond
	s.NumHashThreads = 3
	s.FamilyThrottleThreshold = 0
	require.NoError(s.Save(path))

	loaded, err := Load(path)
	require.NoError(err)
	require.Equal(s, loaded)
}

func TestLoad_MissingOptionsKeepDefaults(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "vmap.toml")
	require.NoError(os.WriteFile(path, []byte("flush_interval = 3\nfull_rehash_timeout = \"2m\"\n"), 0o600))

	loaded, err := Load(path)
	require.NoError(err)

	want := Default()
	want.FlushInterval = 3
	want.FullRehashTimeout = 2 * time.Minute
	require.Equal(want, loaded)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "vmap.toml")
	require.NoError(os.WriteFile(path, []byte("flush_interval = 3\n"), 0o600))
	t.Setenv("VMAP_FLUSH_INTERVAL", "11")
	t.Setenv("VMAP_RECONNECT_MODE", "pull-top-to-bottom")

	loaded, err := Load(path)
	require.NoError(err)
	require.Equal(int64(11), loaded.FlushInterval)
	require.Equal(ReconnectModePullTopToBottom, loaded.ReconnectMode)
}

func TestLoad_InvalidSettingsAreRejected(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "vmap.toml")
	require.NoError(os.WriteFile(path, []byte("reconnect_mode = \"sideways\"\n"), 0o600))

	_, err := Load(path)
	require.Error(err)
}

func TestLoad_MissingFileIsReported(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
