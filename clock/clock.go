// Copyright 2025 Google LLC
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

// Package clock provides an injectable notion of time, used throughout
// nvfuse for inode timestamps and version stamps so that tests can drive
// time deterministically instead of sleeping on the wall clock.
package clock

import "time"

// Clock is the interface satisfied by RealClock, FakeClock and
// SimulatedClock. Every package that stamps an inode's atime/ctime/mtime or
// bumps its version counter takes a Clock instead of calling time.Now
// directly.
type Clock interface {
	// Now returns the current time according to the clock.
	Now() time.Time

	// After returns a channel that receives the time after the given
	// duration has elapsed according to the clock.
	After(d time.Duration) <-chan time.Time
}

var (
	_ Clock = RealClock{}
	_ Clock = &FakeClock{}
	_ Clock = &SimulatedClock{}
)
