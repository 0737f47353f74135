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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	nverrors "github.com/nvfuse/nvfuse/errors"
)

// Rings are named PRI_TO_SEC_<chan> and SEC_TO_PRI_<chan> (spec.md §6);
// RingName builds the backing file name for one direction of one channel.
func RingName(prefixToSuffix string, chanID int32) string {
	return fmt.Sprintf("%s_%d", prefixToSuffix, chanID)
}

const (
	PriToSec = "PRI_TO_SEC"
	SecToPri = "SEC_TO_PRI"
)

// ringHeaderSize reserves two uint64 slots (head, tail) at the front of
// the mapped region, ahead of the fixed-size message slots.
const ringHeaderSize = 16

// Ring is a fixed-capacity MPMC queue of MsgSize-byte messages, backed by
// a memory-mapped file so it is visible across process boundaries the
// same way the source's DPDK hugepage ring is (spec.md §9: "any
// equivalent — shared-memory ring, named queue — is acceptable; the
// message format is fixed by §6"). A single mutex over the mapped region
// stands in for the source's lock-free producer/consumer indices: with a
// single primary and a handful of secondaries the contention this adds is
// negligible, and it keeps the head/tail bookkeeping readable without
// hand-rolled lock-free CAS loops across process boundaries.
type Ring struct {
	mu sync.Mutex

	f        *os.File
	mem      []byte
	capacity int

	owns bool // true if this process created (and should remove) the file
}

// OpenRing opens or creates the named ring under dir, sized for capacity
// messages. Multiple processes opening the same (dir, name) attach to the
// same shared memory.
func OpenRing(dir, name string, capacity int) (*Ring, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("controlplane: ring %s: mkdir: %w", name, err)
	}
	path := filepath.Join(dir, name+".ring")
	size := int64(ringHeaderSize + capacity*MsgSize)

	created := false
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("controlplane: ring %s: open: %w", name, err)
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("controlplane: ring %s: open: %w", name, err)
		}
	} else {
		created = true
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("controlplane: ring %s: truncate: %w", name, err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("controlplane: ring %s: mmap: %w", name, err)
	}

	return &Ring{f: f, mem: mem, capacity: capacity, owns: created}, nil
}

func (r *Ring) headTail() (head, tail uint64) {
	head = leUint64(r.mem[0:8])
	tail = leUint64(r.mem[8:16])
	return
}

func (r *Ring) setHeadTail(head, tail uint64) {
	putLEUint64(r.mem[0:8], head)
	putLEUint64(r.mem[8:16], tail)
}

func (r *Ring) slot(idx uint64) []byte {
	off := ringHeaderSize + int(idx%uint64(r.capacity))*MsgSize
	return r.mem[off : off+MsgSize]
}

// Push enqueues msg, returning ErrBufferExhausted if the ring is full.
func (r *Ring) Push(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, tail := r.headTail()
	if tail-head >= uint64(r.capacity) {
		return fmt.Errorf("controlplane: ring full: %w", nverrors.ErrBufferExhausted)
	}
	copy(r.slot(tail), msg.Encode())
	r.setHeadTail(head, tail+1)
	return nil
}

// Pop dequeues the oldest message, or reports ok=false if the ring is
// empty.
func (r *Ring) Pop() (msg Message, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, tail := r.headTail()
	if head == tail {
		return Message{}, false
	}
	msg = DecodeMessage(r.slot(head))
	r.setHeadTail(head+1, tail)
	return msg, true
}

// Close unmaps the ring and closes its backing file. If this process
// created it, the backing file is also removed.
func (r *Ring) Close() error {
	path := r.f.Name()
	if err := unix.Munmap(r.mem); err != nil {
		return err
	}
	if err := r.f.Close(); err != nil {
		return err
	}
	if r.owns {
		_ = os.Remove(path)
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLEUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
