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

package inode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvfuse/nvfuse/layout"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &Inode{
		Ino:        42,
		Type:       layout.TypeFile,
		Size:       123456,
		Mode:       0644,
		UID:        1000,
		GID:        1000,
		Atime:      time.Unix(1000, 0).UTC(),
		Ctime:      time.Unix(2000, 0).UTC(),
		Mtime:      time.Unix(3000, 0).UTC(),
		LinksCount: 1,
		Version:    7,
		Ptr:        3,
		BPIno:      99,
		Deleted:    false,
	}
	in.IBlocks[0] = 10
	in.IBlocks[len(in.IBlocks)-1] = 20

	buf := in.Encode()
	require.Len(t, buf, layout.InodeEntrySize)

	out := Decode(buf)
	assert.Equal(t, in.Ino, out.Ino)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Size, out.Size)
	assert.Equal(t, in.Mode, out.Mode)
	assert.Equal(t, in.UID, out.UID)
	assert.Equal(t, in.GID, out.GID)
	assert.True(t, in.Atime.Equal(out.Atime))
	assert.True(t, in.Ctime.Equal(out.Ctime))
	assert.True(t, in.Mtime.Equal(out.Mtime))
	assert.Equal(t, in.LinksCount, out.LinksCount)
	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, in.Ptr, out.Ptr)
	assert.Equal(t, in.BPIno, out.BPIno)
	assert.Equal(t, in.Deleted, out.Deleted)
	assert.Equal(t, in.IBlocks, out.IBlocks)
}

func TestEncodeDeletedFlagRoundTrips(t *testing.T) {
	in := &Inode{Ino: 1, Deleted: true}
	out := Decode(in.Encode())
	assert.True(t, out.Deleted)
}

func TestEntryOffsetInClusterIsStableModuloEntriesPerCluster(t *testing.T) {
	const entriesPerCluster = layout.ClusterSize / layout.InodeEntrySize
	off0 := EntryOffsetInCluster(0, entriesPerCluster)
	offN := EntryOffsetInCluster(entriesPerCluster, entriesPerCluster)
	assert.Equal(t, off0, offN)
	assert.Equal(t, 0, off0)

	off1 := EntryOffsetInCluster(1, entriesPerCluster)
	assert.Equal(t, layout.InodeEntrySize, off1)
}

func TestIsFreeComparesDecodedInoToSlotIndex(t *testing.T) {
	assert.True(t, IsFree(5, &Inode{Ino: 0}))
	assert.False(t, IsFree(5, &Inode{Ino: 5}))
}
