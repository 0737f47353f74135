// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg binds the nvfuse CLI surface (spec.md §6) to a yaml-tagged
// Config struct through pflag/viper, the same flag-then-config-file-then-
// default precedence the teacher codebase uses for its own mount config.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, validated and rationalized configuration
// for one nvfuse process (primary or secondary), per SPEC_FULL.md A.1.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Buffer BufferConfig `yaml:"buffer"`
	Mount  MountConfig  `yaml:"mount"`
	Debug  DebugConfig  `yaml:"debug"`
}

// DeviceConfig identifies the block device and its on-disk geometry.
type DeviceConfig struct {
	// Path is the block device or sparse-file image to format/mount.
	Path string `yaml:"path"`
	// CoreMask is the lcore affinity mask (spec.md §6's "core mask
	// (hex)"). No other package reads it; no thread is pinned by it.
	CoreMask HexMask `yaml:"core-mask"`
	// BlockGroupSizeMB is a block-group size override. No other package
	// reads it; format and mount always use layout.BlockGroupSize (4 MiB).
	BlockGroupSizeMB int `yaml:"block-group-size-mb"`
}

// BufferConfig sizes the buffer cache and the AIO engine's queue depth.
type BufferConfig struct {
	// PoolSizeMB is the buffer cache's pool size (spec.md §6
	// "buffer size (MiB)").
	PoolSizeMB int `yaml:"pool-size-mb"`
	// QueueDepth is the AIO queue depth (spec.md §6 "queue depth"). Zero
	// is rationalized from PoolSizeMB. No other package reads it; the AIO
	// engine's bound is aio.MaxQueueDepth.
	QueueDepth int `yaml:"queue-depth"`
}

// MountConfig carries the format/mount CLI surface of spec.md §6.
type MountConfig struct {
	// AppName names a secondary process registering with the primary's
	// control plane; empty means this process is the primary.
	AppName string `yaml:"app-name"`
	// Format requests "-f": zero and lay down a fresh on-disk image.
	Format bool `yaml:"format"`
	// Mount requests "-m": attach the in-memory stack to an already
	// formatted device.
	Mount bool `yaml:"mount"`
	// Preallocate records "-p" (preallocate containers). No other package
	// reads it; block groups are leased on request either way.
	Preallocate bool `yaml:"preallocate"`
	// Foreground keeps the primary attached to its invoking terminal;
	// when false a primary "-m" daemonizes itself, matching the
	// teacher's own mount daemon convention.
	Foreground bool `yaml:"foreground"`
}

// DebugConfig carries debug/observability knobs.
type DebugConfig struct {
	// ExitOnInvariantViolation records the exit-on-invariant-violation
	// debug flag. No other package reads it, so setting it changes no
	// run-time behavior.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
	// LogLevel is the minimum severity the logger emits.
	LogLevel LogSeverity `yaml:"log-level"`
}

// BindFlags registers every flag of spec.md §6's CLI surface against
// flagSet and binds each to its viper config-file key, mirroring the
// teacher's generated BindFlags.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("device", "d", "", "Path to the block device or image file.")
	if err := viper.BindPFlag("device.path", flagSet.Lookup("device")); err != nil {
		return err
	}

	flagSet.StringP("core-mask", "", "0x1", "Hex core-affinity mask for this process.")
	if err := viper.BindPFlag("device.core-mask", flagSet.Lookup("core-mask")); err != nil {
		return err
	}

	flagSet.IntP("bg-size-mb", "", 0, "Block-group size override, in MiB (0 = default 4 MiB).")
	if err := viper.BindPFlag("device.block-group-size-mb", flagSet.Lookup("bg-size-mb")); err != nil {
		return err
	}

	flagSet.IntP("buffer-size-mb", "b", 64, "Buffer cache pool size, in MiB.")
	if err := viper.BindPFlag("buffer.pool-size-mb", flagSet.Lookup("buffer-size-mb")); err != nil {
		return err
	}

	flagSet.IntP("queue-depth", "q", 0, "AIO queue depth (0 = derive from buffer size).")
	if err := viper.BindPFlag("buffer.queue-depth", flagSet.Lookup("queue-depth")); err != nil {
		return err
	}

	flagSet.StringP("app-name", "", "", "Secondary process application name; empty means primary.")
	if err := viper.BindPFlag("mount.app-name", flagSet.Lookup("app-name")); err != nil {
		return err
	}

	flagSet.BoolP("format", "f", false, "Format the device before use.")
	if err := viper.BindPFlag("mount.format", flagSet.Lookup("format")); err != nil {
		return err
	}

	flagSet.BoolP("mount", "m", false, "Mount the already-formatted device.")
	if err := viper.BindPFlag("mount.mount", flagSet.Lookup("mount")); err != nil {
		return err
	}

	flagSet.BoolP("preallocate", "p", false, "Preallocate containers at mount instead of leasing lazily.")
	if err := viper.BindPFlag("mount.preallocate", flagSet.Lookup("preallocate")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Stay attached to the terminal instead of daemonizing (primary only).")
	if err := viper.BindPFlag("mount.foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.BoolP("exit-on-invariant-violation", "", false, "Exit the process when an internal invariant is violated.")
	if err := viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("exit-on-invariant-violation")); err != nil {
		return err
	}

	flagSet.StringP("log-level", "", string(InfoLogSeverity), "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR.")
	if err := viper.BindPFlag("debug.log-level", flagSet.Lookup("log-level")); err != nil {
		return err
	}

	return nil
}

// Dump renders c as YAML, matching its own config-file shape, for
// --print-config style debugging.
func (c *Config) Dump() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
