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

// Package device defines the boundary to the block-device I/O reactor.
// Per spec.md §1, the reactor itself — an NVMe user-space block driver —
// is an external collaborator out of this repository's scope; this package
// specifies only the interface nvfuse drives it through, plus a simulated,
// file-backed implementation used by every test that needs real
// persistence across format/mount cycles.
package device

import (
	"context"
	"fmt"
)

// ReqType is the kind of device job.
type ReqType int

const (
	ReqRead ReqType = iota
	ReqWrite
	ReqFlush
)

func (t ReqType) String() string {
	switch t {
	case ReqRead:
		return "read"
	case ReqWrite:
		return "write"
	case ReqFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Job is one device-level request: a vectored read or write at a byte
// offset, or a flush (FUA) barrier. OffsetBytes and every IOV must be
// cluster-aligned.
type Job struct {
	OffsetBytes int64
	IOV         [][]byte
	Type        ReqType

	// Callback is invoked by the reactor on completion, with a nil error
	// on success. It must not block.
	Callback func(err error)
}

// TotalBytes returns the sum of all IOV segment lengths.
func (j *Job) TotalBytes() int {
	n := 0
	for _, b := range j.IOV {
		n += len(b)
	}
	return n
}

// Reactor is the callback-driven request queue exposed by the out-of-scope
// block-device I/O layer (spec.md §1, §6): submit/poll for the
// asynchronous path used by the AIO engine, plus blocking sync_read/
// sync_write/flush for the buffer cache and superblock.
type Reactor interface {
	// Submit enqueues a vectored job; its Callback fires from a later
	// Poll call (or from a background goroutine, for implementations
	// that don't require explicit polling).
	Submit(job *Job) error

	// Poll drains completed jobs, invoking their callbacks, and returns
	// how many fired. It never blocks.
	Poll() int

	// SyncRead/SyncWrite/Flush are blocking, single-job conveniences
	// used by paths that must wait for the device before proceeding
	// (superblock load, bitmap reads, itable reads).
	SyncRead(ctx context.Context, offsetBytes int64, buf []byte) error
	SyncWrite(ctx context.Context, offsetBytes int64, buf []byte) error
	Flush(ctx context.Context) error

	// Close releases the underlying device handle.
	Close() error
}

// ErrShortIO is returned when a sync read/write could not move the full
// requested length (e.g. reading past end of device).
type ErrShortIO struct {
	Want int
	Got  int
}

func (e *ErrShortIO) Error() string {
	return fmt.Sprintf("device: short i/o: wanted %d bytes, got %d", e.Want, e.Got)
}
