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

// Package errors defines the sentinel error kinds shared across nvfuse's
// layers and their POSIX errno projection, per spec.md §7. Low-level
// primitives return plain Go errors wrapping one of these sentinels;
// user-facing namespace operations call ToErrno to get the negative code a
// POSIX caller expects.
package errors

import "errors"

var (
	// ErrNotFound means a lookup found no matching inode/dentry/bg.
	ErrNotFound = errors.New("nvfuse: not found")
	// ErrExists means a create would collide with an existing name.
	ErrExists = errors.New("nvfuse: already exists")
	// ErrNoSpace means no free inode or block could be allocated.
	ErrNoSpace = errors.New("nvfuse: no space left on device")
	// ErrIO means the device reactor reported a failed job.
	ErrIO = errors.New("nvfuse: device i/o error")
	// ErrInvalidArgument means a bad path, empty name, oversized name, or
	// misaligned direct-I/O request.
	ErrInvalidArgument = errors.New("nvfuse: invalid argument")
	// ErrBufferExhausted means the buffer cache could not evict or flush
	// enough frames to satisfy a get_bh/get_new_bh request.
	ErrBufferExhausted = errors.New("nvfuse: buffer cache exhausted")
	// ErrCrashed means mount found the superblock state word CRASHED (or
	// set it to CRASHED because it was MOUNTED) and refused.
	ErrCrashed = errors.New("nvfuse: filesystem is marked crashed, refusing to mount")
	// ErrNotDirectory / ErrIsDirectory guard directory-only and
	// file-only namespace operations.
	ErrNotDirectory = errors.New("nvfuse: not a directory")
	ErrIsDirectory  = errors.New("nvfuse: is a directory")
	// ErrNotEmpty means rmdir was called on a directory with entries
	// other than "." and "..".
	ErrNotEmpty = errors.New("nvfuse: directory not empty")
	// ErrProtocol means a control-plane request was denied or malformed.
	ErrProtocol = errors.New("nvfuse: control-plane protocol error")
	// ErrLeaseConflict means a block group is owned by another core.
	ErrLeaseConflict = errors.New("nvfuse: block group leased to another owner")
)

// Errno is the POSIX-style negative code returned by user-facing
// operations, modeled on the propagation policy of spec.md §7.
type Errno int32

const (
	EIO     Errno = -5
	ENOENT  Errno = -2
	ENOSPC  Errno = -28
	EEXIST  Errno = -17
	EINVAL  Errno = -22
	ENOTDIR Errno = -20
	EISDIR  Errno = -21
	ENOTEMPTY Errno = -39
)

// ToErrno translates a wrapped sentinel error into the negative code a
// POSIX-style caller (CLI, FUSE bridge) expects. Unrecognized errors map to
// EIO, the same default the original implementation uses for unexpected
// device/assertion failures.
func ToErrno(err error) Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ENOENT
	case errors.Is(err, ErrNoSpace):
		return ENOSPC
	case errors.Is(err, ErrExists):
		return EEXIST
	case errors.Is(err, ErrInvalidArgument):
		return EINVAL
	case errors.Is(err, ErrNotDirectory):
		return ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return EISDIR
	case errors.Is(err, ErrNotEmpty):
		return ENOTEMPTY
	default:
		return EIO
	}
}
