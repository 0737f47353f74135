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

package blockgroup

import "github.com/nvfuse/nvfuse/layout"

// Descriptor is the fixed on-disk block-group descriptor (spec.md §3):
// cluster offsets of the two bitmaps, the inode table and the data area,
// plus free counters and the allocation hint cursor. It is static after
// format except for the mutable fields below, which change on every
// allocation/free and on lease transfer.
type Descriptor struct {
	ID        uint32
	Magic     uint32
	BGStart   uint64 // first cluster of this block group, device-relative
	IBitmapStart uint64
	DBitmapStart uint64
	ITableStart  uint64
	DTableStart  uint64

	MaxInodes uint32
	MaxBlocks uint32

	// Mutable.
	FreeInodes uint32
	FreeBlocks uint32
	OwnerCore  int32 // -1 when unowned
	NextBlock  uint32 // bd_next_block: locality hint cursor into the data area
}

// IBitmapSize and DBitmapSize return the size, in clusters, of the inode
// and data bitmaps respectively, given the geometry baked in at format
// time.
func IBitmapSize(maxInodes uint32) uint64 {
	bits := maxInodes
	bytes := (bits + 7) / 8
	return (uint64(bytes) + layout.ClusterSize - 1) / layout.ClusterSize
}

func DBitmapSize(maxBlocks uint32) uint64 {
	bits := maxBlocks
	bytes := (bits + 7) / 8
	return (uint64(bytes) + layout.ClusterSize - 1) / layout.ClusterSize
}

// ITableSize returns the size, in clusters, of the inode table for
// maxInodes entries of layout.InodeEntrySize bytes each.
func ITableSize(maxInodes uint32) uint64 {
	bytes := uint64(maxInodes) * layout.InodeEntrySize
	return (bytes + layout.ClusterSize - 1) / layout.ClusterSize
}

// NewDescriptor lays out a block group's internal offsets given its start
// cluster, its inode capacity, and the total number of clusters the group
// spans. maxBlocks (the allocatable data-area capacity, i.e. MaxBlocks in
// the descriptor) is derived here as clustersPerBG minus the metadata
// overhead (descriptor+summary clusters, both bitmaps, the inode table),
// which is how spec.md §8's bitmap-counter coherence property
// ("popcount(dbitmap) + (dtable_start % blocks_per_bg) == max_blocks -
// free_blocks") is kept satisfiable from the moment of format: MaxBlocks
// already excludes the reserved prefix, so a freshly formatted BG starts
// with popcount(dbitmap) == 0 and free_blocks == max_blocks.
func NewDescriptor(id uint32, bgStart uint64, maxInodes uint32, clustersPerBG uint64) *Descriptor {
	d := &Descriptor{
		ID:         id,
		Magic:      layout.BGDescriptorSignature,
		BGStart:    bgStart,
		MaxInodes:  maxInodes,
		FreeInodes: maxInodes,
		OwnerCore:  -1,
	}

	// First pass: size the bitmaps/itable against an upper bound on
	// MaxBlocks (clustersPerBG), then shrink to the true remaining
	// capacity — the dbitmap only needs to cover blocks actually in the
	// data area, which is itself determined by how big the dbitmap is,
	// so this converges in two passes given bitmaps are multiples of
	// whole clusters.
	maxBlocks := uint32(clustersPerBG)
	for i := 0; i < 2; i++ {
		cursor := bgStart + 2 // cluster 0: descriptor (+ superblock for bg 0); cluster 1: summary
		d.DBitmapStart = cursor
		cursor += DBitmapSize(maxBlocks)
		d.IBitmapStart = cursor
		cursor += IBitmapSize(maxInodes)
		d.ITableStart = cursor
		cursor += ITableSize(maxInodes)
		d.DTableStart = cursor

		overhead := d.DTableStart - bgStart
		if overhead >= clustersPerBG {
			maxBlocks = 0
			break
		}
		maxBlocks = uint32(clustersPerBG - overhead)
	}

	d.MaxBlocks = maxBlocks
	d.FreeBlocks = maxBlocks
	return d
}
