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

import "github.com/nvfuse/nvfuse/aio"

// bytesPerQueueSlot is the amount of buffer-cache capacity (spec.md §4.1)
// one AIO queue slot (spec.md §4.8) is assumed to keep in flight, used to
// derive a default queue depth from the buffer pool size when the caller
// does not specify one.
const bytesPerQueueSlot = 256 * 1024 // 256 KiB

// Rationalize derives fields left unset by flags/config file, mirroring
// the teacher's post-parse Rationalize pass.
func Rationalize(c *Config) error {
	if c.Buffer.QueueDepth == 0 {
		depth := (c.Buffer.PoolSizeMB * 1024 * 1024) / bytesPerQueueSlot
		if depth < 1 {
			depth = 1
		}
		if depth > aio.MaxQueueDepth {
			depth = aio.MaxQueueDepth
		}
		c.Buffer.QueueDepth = depth
	}
	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = InfoLogSeverity
	}
	if c.Device.BlockGroupSizeMB < 0 {
		c.Device.BlockGroupSizeMB = 0
	}
	return nil
}
