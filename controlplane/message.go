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

// Package controlplane implements the multi-process resource-coordination
// protocol of spec.md §4.9/§6/§9: a primary process that exclusively owns
// format/mount/full-superblock state and leases block groups, buffer
// quota, and reservations to secondary processes over shared-memory
// rings. No teacher analog exists (gcsfuse is single-process); the wire
// format follows spec.md §6 directly, and the ring/primary control flow
// follows original_source/nvfuse_ipc_ring.c and nvfuse_control_plane.c.
package controlplane

import "encoding/binary"

// Opcode is an IPC request kind (spec.md §6). Every opcode is paired with
// a completion carrying the same Opcode value and a Ret field.
type Opcode int32

const (
	OpAppRegister Opcode = iota + 1
	OpAppUnregister
	OpSuperblockCopy
	OpBufferAlloc
	OpBufferFree
	OpContainerAlloc
	OpContainerRelease
	OpReservationAcquire
	OpReservationRelease
	OpHealthCheck
)

func (o Opcode) String() string {
	switch o {
	case OpAppRegister:
		return "APP_REGISTER"
	case OpAppUnregister:
		return "APP_UNREGISTER"
	case OpSuperblockCopy:
		return "SUPERBLOCK_COPY"
	case OpBufferAlloc:
		return "BUFFER_ALLOC"
	case OpBufferFree:
		return "BUFFER_FREE"
	case OpContainerAlloc:
		return "CONTAINER_ALLOC"
	case OpContainerRelease:
		return "CONTAINER_RELEASE"
	case OpReservationAcquire:
		return "RESERVATION_ACQUIRE"
	case OpReservationRelease:
		return "RESERVATION_RELEASE"
	case OpHealthCheck:
		return "HEALTH_CHECK"
	default:
		return "UNKNOWN"
	}
}

// ContainerAllocKind distinguishes CONTAINER_ALLOC(NEW) from
// CONTAINER_ALLOC(ALLOCATED) (spec.md §4.9).
type ContainerAllocKind int32

const (
	ContainerAllocNew ContainerAllocKind = iota
	ContainerAllocAllocated
)

// ReservationKind distinguishes a READ from a WRITE reservation acquire
// (spec.md §4.9).
type ReservationKind int32

const (
	ReservationRead ReservationKind = iota
	ReservationWrite
)

// ReservationStatus is a block group's lease state in the primary's
// reservation_table (spec.md §4.9).
type ReservationStatus int32

const (
	Unlocked ReservationStatus = iota
	Acquired
	ReadLocked
	WriteLocked
)

func (s ReservationStatus) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Acquired:
		return "ACQUIRED"
	case ReadLocked:
		return "READ_LOCKED"
	case WriteLocked:
		return "WRITE_LOCKED"
	default:
		return "UNKNOWN"
	}
}

// MsgSize is NVFUSE_IPC_MSG_SIZE (spec.md §6): the fixed size of every
// ring slot.
const MsgSize = 128

// maxNameLen is the maximum length of a name string embedded in a
// message (spec.md §6: "max 32-byte name strings where applicable").
const maxNameLen = 32

// Message is the 128-byte fixed union every ring carries (spec.md §6):
// a common header (Opcode, ChanID, Ret) followed by opcode-specific
// fields. Every field is always present on the wire; opcodes that don't
// use a given field simply leave it zero.
type Message struct {
	Opcode Opcode
	ChanID int32
	Ret    int32

	Name string // APP_REGISTER

	CoreID    int32  // APP_REGISTER/UNREGISTER, RESERVATION_*
	BGID      uint32 // CONTAINER_*, RESERVATION_*
	AllocKind ContainerAllocKind
	ResvKind  ReservationKind
	Count     uint32 // BUFFER_ALLOC/FREE: page count requested/granted
}

// Encode packs m into a MsgSize-byte little-endian record.
func (m Message) Encode() []byte {
	buf := make([]byte, MsgSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(m.Opcode))
	le.PutUint32(buf[4:], uint32(m.ChanID))
	le.PutUint32(buf[8:], uint32(m.Ret))

	name := m.Name
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	copy(buf[12:12+maxNameLen], name)

	off := 12 + maxNameLen
	le.PutUint32(buf[off:], uint32(m.CoreID))
	off += 4
	le.PutUint32(buf[off:], m.BGID)
	off += 4
	le.PutUint32(buf[off:], uint32(m.AllocKind))
	off += 4
	le.PutUint32(buf[off:], uint32(m.ResvKind))
	off += 4
	le.PutUint32(buf[off:], m.Count)
	return buf
}

// DecodeMessage unpacks a MsgSize-byte record written by Encode.
func DecodeMessage(buf []byte) Message {
	le := binary.LittleEndian
	m := Message{
		Opcode: Opcode(le.Uint32(buf[0:])),
		ChanID: int32(le.Uint32(buf[4:])),
		Ret:    int32(le.Uint32(buf[8:])),
	}
	nameBuf := buf[12 : 12+maxNameLen]
	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	m.Name = string(nameBuf[:n])

	off := 12 + maxNameLen
	m.CoreID = int32(le.Uint32(buf[off:]))
	off += 4
	m.BGID = le.Uint32(buf[off:])
	off += 4
	m.AllocKind = ContainerAllocKind(le.Uint32(buf[off:]))
	off += 4
	m.ResvKind = ReservationKind(le.Uint32(buf[off:]))
	off += 4
	m.Count = le.Uint32(buf[off:])
	return m
}
