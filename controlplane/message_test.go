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

package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		Opcode:    OpContainerAlloc,
		ChanID:    7,
		Ret:       0,
		Name:      "nvfuse-app",
		CoreID:    3,
		BGID:      42,
		AllocKind: ContainerAllocNew,
		ResvKind:  ReservationWrite,
		Count:     128,
	}

	got := DecodeMessage(m.Encode())

	assert.Equal(t, m, got)
}

func TestMessageEncodeIsFixedSize(t *testing.T) {
	m := Message{Opcode: OpHealthCheck}
	assert.Len(t, m.Encode(), MsgSize)
}

func TestMessageEncodeTruncatesOversizedName(t *testing.T) {
	m := Message{Opcode: OpAppRegister, Name: "this-name-is-far-too-long-to-fit-in-32-bytes"}

	got := DecodeMessage(m.Encode())

	assert.Len(t, got.Name, maxNameLen)
	assert.Equal(t, m.Name[:maxNameLen], got.Name)
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "APP_REGISTER", OpAppRegister.String())
	assert.Equal(t, "HEALTH_CHECK", OpHealthCheck.String())
	assert.Equal(t, "UNKNOWN", Opcode(999).String())
}

func TestReservationStatusString(t *testing.T) {
	assert.Equal(t, "UNLOCKED", Unlocked.String())
	assert.Equal(t, "WRITE_LOCKED", WriteLocked.String())
}
