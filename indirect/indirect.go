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

// Package indirect implements the classic direct/single/double/triple
// indirect block map (spec.md §4.4): translating a logical block number
// within a file or directory's data into a physical cluster, allocating
// branches lazily on write, and freeing them on truncate. Pointer blocks
// are read and written through the shared buffer cache's BLOCK_IO_INO
// reserved inode, which addresses the device by absolute cluster number —
// the same window the buffer cache otherwise uses only for raw,
// ino-agnostic block access.
package indirect

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/nvfuse/nvfuse/blockgroup"
	"github.com/nvfuse/nvfuse/buffercache"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/layout"
)

// blockToPath decomposes a logical block number into the sequence of
// IBlocks-array/pointer-block offsets that reach it: one offset for a
// direct block, two for single indirect, three for double, four for
// triple. offsets[0] always indexes inode.Inode.IBlocks directly; any
// further offsets index successive pointer blocks.
func blockToPath(block uint32) []uint32 {
	const ptrs = uint32(layout.PointersPerBlock)

	if block < layout.DirectBlocks {
		return []uint32{block}
	}
	block -= layout.DirectBlocks

	if block < ptrs {
		return []uint32{layout.DirectBlocks, block}
	}
	block -= ptrs

	if block < ptrs*ptrs {
		return []uint32{layout.DirectBlocks + 1, block / ptrs, block % ptrs}
	}
	block -= ptrs * ptrs

	return []uint32{layout.DirectBlocks + 2, block / (ptrs * ptrs), (block / ptrs) % ptrs, block % ptrs}
}

// Resolver implements itable.DataResolver over a live block-group allocator
// and inode-context cache.
type Resolver struct {
	bc             *buffercache.Cache
	alloc          *blockgroup.Allocator
	ictx           *ictx.Cache
	maxInodesPerBG uint32
}

// NewResolver constructs a Resolver. maxInodesPerBG must match the value
// format baked into every block group, used only to pick an allocation
// locality hint from an inode number.
func NewResolver(bc *buffercache.Cache, alloc *blockgroup.Allocator, ic *ictx.Cache, maxInodesPerBG uint32) *Resolver {
	return &Resolver{bc: bc, alloc: alloc, ictx: ic, maxInodesPerBG: maxInodesPerBG}
}

// Resolve implements itable.DataResolver: get_block (spec.md §4.4). On a
// read of an unallocated block it reports nverrors.ErrNotFound so the
// caller (fileio) can zero-fill a sparse read instead of touching the
// device; on create it lazily allocates every branch hop between the
// inode's IBlocks array and the final data block.
func (r *Resolver) Resolve(ctx context.Context, ino uint32, lbn uint32, create bool) (uint32, error) {
	ic, err := r.ictx.Get(ctx, ino)
	if err != nil {
		return 0, err
	}
	defer r.ictx.Release(ic)

	path := blockToPath(lbn)
	root := path[0]
	pbn := ic.Inode.IBlocks[root]
	if pbn == 0 {
		if !create {
			return 0, fmt.Errorf("indirect: resolve ino=%d lbn=%d: %w", ino, lbn, nverrors.ErrNotFound)
		}
		newPBN, err := r.allocOne(ic)
		if err != nil {
			return 0, err
		}
		if len(path) > 1 {
			if err := r.zeroPointerBlock(ctx, newPBN); err != nil {
				return 0, err
			}
		}
		ic.Inode.IBlocks[root] = newPBN
		ic.MarkDirty()
		pbn = newPBN
	}

	for level := 1; level < len(path); level++ {
		idx := path[level]
		last := level == len(path)-1
		off := int(idx) * layout.PointerSize

		bh, err := r.bc.GetBH(ctx, layout.BlockIOIno, pbn, true, true)
		if err != nil {
			return 0, err
		}
		next := binary.LittleEndian.Uint32(bh.Buf[off:])
		if next == 0 {
			if !create {
				r.bc.Release(bh, false)
				return 0, fmt.Errorf("indirect: resolve ino=%d lbn=%d: %w", ino, lbn, nverrors.ErrNotFound)
			}
			newPBN, err := r.allocOne(ic)
			if err != nil {
				r.bc.Release(bh, false)
				return 0, err
			}
			if !last {
				if err := r.zeroPointerBlock(ctx, newPBN); err != nil {
					r.bc.Release(bh, false)
					return 0, err
				}
			}
			binary.LittleEndian.PutUint32(bh.Buf[off:], newPBN)
			r.bc.MarkDirty(bh)
			next = newPBN
		}
		r.bc.Release(bh, false)
		pbn = next
	}
	return pbn, nil
}

// zeroPointerBlock overwrites a freshly allocated pointer block with zeros
// so stale device content is never mistaken for real pointers.
func (r *Resolver) zeroPointerBlock(ctx context.Context, pbn uint32) error {
	bh, err := r.bc.GetNewBH(ctx, layout.BlockIOIno, pbn, true)
	if err != nil {
		return err
	}
	r.bc.Release(bh, true)
	return nil
}

// allocOne allocates a single physical block, preferring the block group
// that owns ic's inode number for locality and falling back to any other
// block group in the allocator's descriptor table with free capacity.
func (r *Resolver) allocOne(ic *ictx.Context) (uint32, error) {
	hint := ic.Ino / r.maxInodesPerBG
	descs := r.alloc.Descriptors()
	out := make([]uint32, 1)

	order := make([]uint32, 0, len(descs))
	order = append(order, hint)
	for i := range descs {
		if uint32(i) != hint {
			order = append(order, uint32(i))
		}
	}

	for _, bg := range order {
		if int(bg) >= len(descs) {
			continue
		}
		n, err := r.alloc.AllocBlocks(bg, 1, out)
		if err != nil {
			return 0, err
		}
		if n == 1 {
			return uint32(descs[bg].DTableStart) + out[0], nil
		}
	}
	return 0, fmt.Errorf("indirect: alloc block: %w", nverrors.ErrNoSpace)
}

// freeByPBN locates the block group owning the physical cluster pbn and
// clears its data-bitmap bit.
func (r *Resolver) freeByPBN(pbn uint32) error {
	for bg, bd := range r.alloc.Descriptors() {
		start := bd.DTableStart
		end := start + uint64(bd.MaxBlocks)
		if uint64(pbn) >= start && uint64(pbn) < end {
			_, err := r.alloc.FreeBlocks(uint32(bg), []uint32{pbn - uint32(start)})
			return err
		}
	}
	return fmt.Errorf("indirect: free pbn=%d: no owning block group: %w", pbn, nverrors.ErrInvalidArgument)
}

func (r *Resolver) clearSlot(ctx context.Context, pbn uint32, off int) error {
	bh, err := r.bc.GetBH(ctx, layout.BlockIOIno, pbn, true, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(bh.Buf[off:], 0)
	r.bc.MarkDirty(bh)
	r.bc.Release(bh, true)
	return nil
}

func (r *Resolver) blockEmpty(ctx context.Context, pbn uint32) (bool, error) {
	bh, err := r.bc.GetBH(ctx, layout.BlockIOIno, pbn, true, true)
	if err != nil {
		return false, err
	}
	defer r.bc.Release(bh, false)
	for i := 0; i < layout.ClusterSize; i += layout.PointerSize {
		if binary.LittleEndian.Uint32(bh.Buf[i:]) != 0 {
			return false, nil
		}
	}
	return true, nil
}

// clearAndFree frees the data block (and, transitively, any pointer block
// left entirely empty) backing logical block lbn of ic's inode, per
// nvfuse_truncate_blocks's free_branches walk (spec.md §4.4). A hole is a
// silent no-op.
func (r *Resolver) clearAndFree(ctx context.Context, ic *ictx.Context, lbn uint32) error {
	path := blockToPath(lbn)
	root := path[0]
	pbn := ic.Inode.IBlocks[root]
	if pbn == 0 {
		return nil
	}

	if len(path) == 1 {
		if err := r.freeByPBN(pbn); err != nil {
			return err
		}
		ic.Inode.IBlocks[root] = 0
		ic.MarkDirty()
		return nil
	}

	type hop struct {
		pbn uint32
		off int
	}
	hops := make([]hop, 0, len(path)-1)
	cur := pbn
	for level := 1; level < len(path); level++ {
		off := int(path[level]) * layout.PointerSize
		bh, err := r.bc.GetBH(ctx, layout.BlockIOIno, cur, true, true)
		if err != nil {
			return err
		}
		next := binary.LittleEndian.Uint32(bh.Buf[off:])
		r.bc.Release(bh, false)
		if next == 0 {
			return nil
		}
		hops = append(hops, hop{pbn: cur, off: off})
		cur = next
	}

	if err := r.freeByPBN(cur); err != nil {
		return err
	}
	if err := r.clearSlot(ctx, hops[len(hops)-1].pbn, hops[len(hops)-1].off); err != nil {
		return err
	}

	for i := len(hops) - 1; i >= 0; i-- {
		empty, err := r.blockEmpty(ctx, hops[i].pbn)
		if err != nil {
			return err
		}
		if !empty {
			break
		}
		if err := r.freeByPBN(hops[i].pbn); err != nil {
			return err
		}
		if i == 0 {
			ic.Inode.IBlocks[root] = 0
			ic.MarkDirty()
		} else if err := r.clearSlot(ctx, hops[i-1].pbn, hops[i-1].off); err != nil {
			return err
		}
	}
	return nil
}

func blockCount(size uint64) uint32 {
	return uint32((size + layout.ClusterSize - 1) / layout.ClusterSize)
}

// Truncate implements nvfuse_truncate_blocks: frees every block lying
// wholly past newSize (the block newSize ends within is kept), and updates
// the inode's size.
// Growing a file (newSize > current size) only updates Size — blocks for
// the extended range are allocated lazily on first write, same as a
// freshly created hole.
func (r *Resolver) Truncate(ctx context.Context, ino uint32, newSize uint64) error {
	ic, err := r.ictx.Get(ctx, ino)
	if err != nil {
		return err
	}
	defer r.ictx.Release(ic)

	if newSize >= ic.Inode.Size {
		ic.Inode.Size = newSize
		ic.MarkDirty()
		return nil
	}

	oldBlocks := blockCount(ic.Inode.Size)
	newBlocks := blockCount(newSize)
	for lbn := newBlocks; lbn < oldBlocks; lbn++ {
		if err := r.clearAndFree(ctx, ic, lbn); err != nil {
			return err
		}
	}
	ic.Inode.Size = newSize
	ic.MarkDirty()
	return nil
}
