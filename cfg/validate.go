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

package cfg

import "fmt"

// ValidateConfig rejects contradictory flag/config combinations per
// SPEC_FULL.md A.1: neither -f nor -m set, or an app-name given to what
// would otherwise be a primary-only invocation without -m.
func ValidateConfig(c *Config) error {
	if c.Device.Path == "" {
		return fmt.Errorf("device path must be set")
	}
	if !c.Mount.Format && !c.Mount.Mount {
		return fmt.Errorf("exactly one of --format or --mount must be set")
	}
	if c.Mount.Format && c.Mount.Mount {
		return fmt.Errorf("--format and --mount are mutually exclusive")
	}
	if c.Mount.AppName != "" && !c.Mount.Mount {
		return fmt.Errorf("--app-name requires --mount: secondaries cannot format")
	}
	if c.Buffer.PoolSizeMB <= 0 {
		return fmt.Errorf("buffer pool size must be positive, got %d", c.Buffer.PoolSizeMB)
	}
	if c.Buffer.QueueDepth < 0 {
		return fmt.Errorf("queue depth must not be negative, got %d", c.Buffer.QueueDepth)
	}
	if !isKnownSeverity(c.Debug.LogLevel) {
		return fmt.Errorf("unknown log level %q: must be one of %v", c.Debug.LogLevel, AllLogSeverities())
	}
	return nil
}
