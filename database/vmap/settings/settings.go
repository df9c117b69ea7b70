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
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pbnjay/memory"
	"github.com/pelletier/go-toml"
	"github.com/spf13/viper"
)

// ReconnectMode selects the traversal used to synchronize a learner.
type ReconnectMode string

const (
	ReconnectModePush                    ReconnectMode = "push"
	ReconnectModePullTopToBottom         ReconnectMode = "pull-top-to-bottom"
	ReconnectModePullTwoPhasePessimistic ReconnectMode = "pull-two-phase-pessimistic"
)

// Settings are the tuning options of a virtual map family.
type Settings struct {
	// FlushInterval makes every N-th copy a flush candidate.
	FlushInterval int64 `mapstructure:"flush_interval"`
	// CopyFlushThreshold is the estimated size in bytes at which a copy,
	// including the copies merged into it, is flushed.
	CopyFlushThreshold int64 `mapstructure:"copy_flush_threshold"`
	// ReconnectFlushInterval is the number of hashes buffered by a
	// reconnect before writing them to the data source.
	ReconnectFlushInterval int64 `mapstructure:"reconnect_flush_interval"`

	MaximumVirtualMapSize      int64 `mapstructure:"maximum_virtual_map_size"`
	VirtualMapWarningThreshold int64 `mapstructure:"virtual_map_warning_threshold"`
	VirtualMapWarningInterval  int64 `mapstructure:"virtual_map_warning_interval"`

	ReconnectMode           ReconnectMode `mapstructure:"reconnect_mode"`
	NumHashThreads          int           `mapstructure:"num_hash_threads"`
	ReconnectQueueSize      int           `mapstructure:"reconnect_queue_size"`
	ReconnectHashingTimeout time.Duration `mapstructure:"reconnect_hashing_timeout"`
	FullRehashTimeout       time.Duration `mapstructure:"full_rehash_timeout"`

	// Flush backpressure: once more than PreferredFlushQueueSize copies
	// wait for a flush, new copies are delayed by a growing period.
	PreferredFlushQueueSize    int           `mapstructure:"preferred_flush_queue_size"`
	FlushThrottleStepSize      time.Duration `mapstructure:"flush_throttle_step_size"`
	MaximumFlushThrottlePeriod time.Duration `mapstructure:"maximum_flush_throttle_period"`
	// FamilyThrottleThreshold is the estimated size in bytes of all
	// unflushed immutable copies of a family above which new copies are
	// delayed. Zero disables the family size backpressure.
	FamilyThrottleThreshold int64 `mapstructure:"family_throttle_threshold"`
}

const minCopyFlushThreshold = 64 << 20

// Default returns the default settings for the current machine.
func Default() Settings {
	return Settings{
		FlushInterval:              20,
		CopyFlushThreshold:         defaultCopyFlushThreshold(),
		ReconnectFlushInterval:     500_000,
		MaximumVirtualMapSize:      1 << 31,
		VirtualMapWarningThreshold: 5_000_000,
		VirtualMapWarningInterval:  100_000,
		ReconnectMode:              ReconnectModePush,
		NumHashThreads:             runtime.GOMAXPROCS(0),
		ReconnectQueueSize:         1_000_000,
		ReconnectHashingTimeout:    60 * time.Second,
		FullRehashTimeout:          60 * time.Second,
		PreferredFlushQueueSize:    2,
		FlushThrottleStepSize:      200 * time.Millisecond,
		MaximumFlushThrottlePeriod: 5 * time.Second,
		FamilyThrottleThreshold:    defaultFamilyThrottleThreshold(),
	}
}

func defaultCopyFlushThreshold() int64 {
	return max(int64(memory.TotalMemory()/40), minCopyFlushThreshold)
}

func defaultFamilyThrottleThreshold() int64 {
	return max(int64(memory.TotalMemory()/2), 8*minCopyFlushThreshold)
}

// Validate checks the consistency of the settings.
func (s *Settings) Validate() error {
	var errs []error
	positive := func(name string, value int64) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, value))
		}
	}
	positive("flush interval", s.FlushInterval)
	positive("copy flush threshold", s.CopyFlushThreshold)
	positive("reconnect flush interval", s.ReconnectFlushInterval)
	positive("maximum virtual map size", s.MaximumVirtualMapSize)
	positive("virtual map warning interval", s.VirtualMapWarningInterval)
	positive("number of hash threads", int64(s.NumHashThreads))
	positive("reconnect queue size", int64(s.ReconnectQueueSize))
	positive("reconnect hashing timeout", int64(s.ReconnectHashingTimeout))
	positive("full rehash timeout", int64(s.FullRehashTimeout))
	if s.VirtualMapWarningThreshold < 0 {
		errs = append(errs, fmt.Errorf("virtual map warning threshold must not be negative, got %d", s.VirtualMapWarningThreshold))
	}
	if s.FamilyThrottleThreshold < 0 {
		errs = append(errs, fmt.Errorf("family throttle threshold must not be negative, got %d", s.FamilyThrottleThreshold))
	}
	if s.PreferredFlushQueueSize < 0 {
		errs = append(errs, fmt.Errorf("preferred flush queue size must not be negative, got %d", s.PreferredFlushQueueSize))
	}
	switch s.ReconnectMode {
	case ReconnectModePush, ReconnectModePullTopToBottom, ReconnectModePullTwoPhasePessimistic:
	default:
		errs = append(errs, fmt.Errorf("unknown reconnect mode %q", s.ReconnectMode))
	}
	return errors.Join(errs...)
}

// EnvPrefix is the prefix of environment variables overriding settings,
// e.g. VMAP_FLUSH_INTERVAL.
const EnvPrefix = "VMAP"

// Load reads settings from the given file, which may be in any format
// supported by viper. Options missing in the file keep their default value,
// environment variables take precedence over the file. An empty path only
// applies the environment.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	for key, value := range defaults.toMap() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("failed to read settings from %s: %w", path, err)
		}
	}

	var res Settings
	if err := v.Unmarshal(&res); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := res.Validate(); err != nil {
		return Settings{}, err
	}
	return res, nil
}

// Save writes the settings as a TOML file.
func (s *Settings) Save(path string) error {
	tree, err := toml.TreeFromMap(s.toMap())
	if err != nil {
		return err
	}
	data, err := tree.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *Settings) toMap() map[string]any {
	return map[string]any{
		"flush_interval":                s.FlushInterval,
		"copy_flush_threshold":          s.CopyFlushThreshold,
		"reconnect_flush_interval":      s.ReconnectFlushInterval,
		"maximum_virtual_map_size":      s.MaximumVirtualMapSize,
		"virtual_map_warning_threshold": s.VirtualMapWarningThreshold,
		"virtual_map_warning_interval":  s.VirtualMapWarningInterval,
		"reconnect_mode":                string(s.ReconnectMode),
		"num_hash_threads":              int64(s.NumHashThreads),
		"reconnect_queue_size":          int64(s.ReconnectQueueSize),
		"reconnect_hashing_timeout":     s.ReconnectHashingTimeout.String(),
		"full_rehash_timeout":           s.FullRehashTimeout.String(),
		"preferred_flush_queue_size":    int64(s.PreferredFlushQueueSize),
		"flush_throttle_step_size":      s.FlushThrottleStepSize.String(),
		"maximum_flush_throttle_period": s.MaximumFlushThrottlePeriod.String(),
		"family_throttle_threshold":     s.FamilyThrottleThreshold,
	}
}
