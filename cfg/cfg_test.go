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

package cfg_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvfuse/nvfuse/cfg"
)

func validConfig() *cfg.Config {
	return &cfg.Config{
		Device: cfg.DeviceConfig{Path: "/dev/nvme0n1"},
		Buffer: cfg.BufferConfig{PoolSizeMB: 64},
		Mount:  cfg.MountConfig{Format: true},
		Debug:  cfg.DebugConfig{LogLevel: cfg.InfoLogSeverity},
	}
}

func TestValidateConfig_RejectsNeitherFormatNorMount(t *testing.T) {
	c := validConfig()
	c.Mount.Format = false
	require.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfig_RejectsBothFormatAndMount(t *testing.T) {
	c := validConfig()
	c.Mount.Mount = true
	require.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfig_RejectsAppNameWithoutMount(t *testing.T) {
	c := validConfig()
	c.Mount.AppName = "secondary-1"
	require.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfig_AcceptsAppNameWithMount(t *testing.T) {
	c := validConfig()
	c.Mount.Format = false
	c.Mount.Mount = true
	c.Mount.AppName = "secondary-1"
	require.NoError(t, cfg.ValidateConfig(c))
}

func TestValidateConfig_RejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.Debug.LogLevel = "NOISY"
	require.Error(t, cfg.ValidateConfig(c))
}

func TestRationalize_DerivesQueueDepthFromBufferSize(t *testing.T) {
	c := validConfig()
	c.Buffer.PoolSizeMB = 64
	c.Buffer.QueueDepth = 0
	require.NoError(t, cfg.Rationalize(c))
	require.Greater(t, c.Buffer.QueueDepth, 0)
}

func TestRationalize_LeavesExplicitQueueDepthAlone(t *testing.T) {
	c := validConfig()
	c.Buffer.QueueDepth = 42
	require.NoError(t, cfg.Rationalize(c))
	require.Equal(t, 42, c.Buffer.QueueDepth)
}

func TestRationalize_CapsQueueDepthAtMax(t *testing.T) {
	c := validConfig()
	c.Buffer.PoolSizeMB = 1 << 20 // absurdly large, should clamp
	c.Buffer.QueueDepth = 0
	require.NoError(t, cfg.Rationalize(c))
	require.LessOrEqual(t, c.Buffer.QueueDepth, 1024)
}

func TestHexMask_RoundTrip(t *testing.T) {
	var m cfg.HexMask
	require.NoError(t, m.UnmarshalText([]byte("0xff")))
	require.Equal(t, cfg.HexMask(0xff), m)

	text, err := m.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "0xff", string(text))
}

func TestHexMask_RejectsGarbage(t *testing.T) {
	var m cfg.HexMask
	require.Error(t, m.UnmarshalText([]byte("not-hex")))
}

func TestLogSeverity_RankOrdering(t *testing.T) {
	require.Less(t, cfg.TraceLogSeverity.Rank(), cfg.DebugLogSeverity.Rank())
	require.Less(t, cfg.DebugLogSeverity.Rank(), cfg.InfoLogSeverity.Rank())
	require.Less(t, cfg.InfoLogSeverity.Rank(), cfg.WarningLogSeverity.Rank())
	require.Less(t, cfg.WarningLogSeverity.Rank(), cfg.ErrorLogSeverity.Rank())
}
