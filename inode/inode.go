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

// Package inode defines the fixed-size, packed on-disk inode record
// (spec.md §3) and the helpers that read/write it inside one inode-table
// cluster.
package inode

import (
	"encoding/binary"
	"time"

	"github.com/nvfuse/nvfuse/layout"
)

// Inode is the in-memory, unpacked form of one on-disk inode-table entry.
// Ino in table slot k must equal k or 0 (free) — spec.md §3's invariant —
// enforced by the inode-table package, not here.
type Inode struct {
	Ino   uint32
	Type  layout.InodeType
	Size  uint64
	Mode  uint32
	UID   uint32
	GID   uint32

	Atime time.Time
	Ctime time.Time
	Mtime time.Time

	LinksCount uint32
	Version    uint64

	// Ptr is the directory write cursor: the index of the last used
	// dentry. For a directory, i_links_count == 2 + (#USED dentries),
	// and Ptr == LinksCount - 1 (spec.md §3).
	Ptr uint32

	// BPIno is the inode number of this directory's B+-tree root, 0
	// until lazily allocated on first insert (spec.md §3).
	BPIno uint32

	Deleted bool

	// IBlocks holds the indirect map: layout.DirectBlocks direct
	// pointers followed by layout.IndirectDepth indirect pointers
	// (single, double, triple), as physical cluster numbers, 0 meaning
	// a hole.
	IBlocks [layout.IBlocksLen]uint32
}

// encodedSize is the packed on-disk size of one Inode record. It must not
// exceed layout.InodeEntrySize.
const encodedSize = 4 + 1 + 8 + 4 + 4 + 4 + 8 + 8 + 8 + 4 + 8 + 4 + 4 + 1 + layout.IBlocksLen*layout.PointerSize

func init() {
	if encodedSize > layout.InodeEntrySize {
		panic("inode: encoded inode record does not fit layout.InodeEntrySize")
	}
}

// Encode packs ino into a layout.InodeEntrySize-byte buffer.
func (ino *Inode) Encode() []byte {
	buf := make([]byte, layout.InodeEntrySize)
	le := binary.LittleEndian
	off := 0
	le.PutUint32(buf[off:], ino.Ino)
	off += 4
	buf[off] = byte(ino.Type)
	off++
	le.PutUint64(buf[off:], ino.Size)
	off += 8
	le.PutUint32(buf[off:], ino.Mode)
	off += 4
	le.PutUint32(buf[off:], ino.UID)
	off += 4
	le.PutUint32(buf[off:], ino.GID)
	off += 4
	le.PutUint64(buf[off:], uint64(ino.Atime.Unix()))
	off += 8
	le.PutUint64(buf[off:], uint64(ino.Ctime.Unix()))
	off += 8
	le.PutUint64(buf[off:], uint64(ino.Mtime.Unix()))
	off += 8
	le.PutUint32(buf[off:], ino.LinksCount)
	off += 4
	le.PutUint64(buf[off:], ino.Version)
	off += 8
	le.PutUint32(buf[off:], ino.Ptr)
	off += 4
	le.PutUint32(buf[off:], ino.BPIno)
	off += 4
	if ino.Deleted {
		buf[off] = 1
	}
	off++
	for _, p := range ino.IBlocks {
		le.PutUint32(buf[off:], p)
		off += 4
	}
	return buf
}

// Decode unpacks a layout.InodeEntrySize-byte buffer into an Inode.
func Decode(buf []byte) *Inode {
	le := binary.LittleEndian
	ino := &Inode{}
	off := 0
	ino.Ino = le.Uint32(buf[off:])
	off += 4
	ino.Type = layout.InodeType(buf[off])
	off++
	ino.Size = le.Uint64(buf[off:])
	off += 8
	ino.Mode = le.Uint32(buf[off:])
	off += 4
	ino.UID = le.Uint32(buf[off:])
	off += 4
	ino.GID = le.Uint32(buf[off:])
	off += 4
	ino.Atime = time.Unix(int64(le.Uint64(buf[off:])), 0).UTC()
	off += 8
	ino.Ctime = time.Unix(int64(le.Uint64(buf[off:])), 0).UTC()
	off += 8
	ino.Mtime = time.Unix(int64(le.Uint64(buf[off:])), 0).UTC()
	off += 8
	ino.LinksCount = le.Uint32(buf[off:])
	off += 4
	ino.Version = le.Uint64(buf[off:])
	off += 8
	ino.Ptr = le.Uint32(buf[off:])
	off += 4
	ino.BPIno = le.Uint32(buf[off:])
	off += 4
	ino.Deleted = buf[off] != 0
	off++
	for i := range ino.IBlocks {
		ino.IBlocks[i] = le.Uint32(buf[off:])
		off += 4
	}
	return ino
}

// EntryOffsetInCluster returns the byte offset, within the cluster that
// holds it, of the inode-table entry for ino given entriesPerCluster.
func EntryOffsetInCluster(ino uint32, entriesPerCluster uint32) int {
	return int(ino%entriesPerCluster) * layout.InodeEntrySize
}

// IsFree reports whether an Inode decoded from a table slot represents a
// free entry — i.e. the slot's on-disk ino field does not match the slot
// index it was read from (spec.md §3 table invariant).
func IsFree(slotIndex uint32, decoded *Inode) bool {
	return decoded.Ino != slotIndex
}
