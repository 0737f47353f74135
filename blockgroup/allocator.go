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

import (
	"fmt"
	"sync"

	nverrors "github.com/nvfuse/nvfuse/errors"
)

// BitmapSource is implemented by whatever holds the live in-memory bitmap
// bytes for a block group — normally the buffer cache, by way of get_bh on
// the DBitmapIno/IBitmapIno reserved inodes (spec.md §4.1). The allocator
// depends only on this narrow interface so it can be unit tested without a
// buffer cache.
type BitmapSource interface {
	// InodeBitmap/DataBitmap return the live bitmap bytes for bg,
	// loading them if necessary. The caller must hold Allocator's lock
	// while mutating the returned slice and must call MarkDirty
	// afterwards.
	InodeBitmap(bg uint32) ([]byte, error)
	DataBitmap(bg uint32) ([]byte, error)
	MarkDirty(bg uint32, isInode bool) error
}

// Allocator is the block-group resource manager described in spec.md §4.3:
// it owns the BG descriptor table and drives the inode/data bitmaps to
// satisfy alloc_inode/alloc_blocks/free_blocks, maintaining the free
// counters transactionally under a single lock (sb_lock in the original
// design; here just Allocator.mu, since this process is single-threaded at
// the FS-logic layer per spec.md §5).
type Allocator struct {
	mu    sync.Mutex
	bgs   []*Descriptor
	bmsrc BitmapSource

	// leaseOrder lists the block groups currently leased to this
	// process, in round-robin allocation order (spec.md §4.3).
	leaseOrder []uint32

	// RequestContainer is called when every leased BG is full; it asks
	// the control plane for a new one (CONTAINER_ALLOC(NEW)) and returns
	// its id, or an error if none are free (spec.md §4.9).
	RequestContainer func() (uint32, error)
}

// NewAllocator constructs an Allocator over an already-formatted BG
// descriptor table.
func NewAllocator(bgs []*Descriptor, bmsrc BitmapSource) *Allocator {
	order := make([]uint32, len(bgs))
	for i := range bgs {
		order[i] = bgs[i].ID
	}
	return &Allocator{bgs: bgs, bmsrc: bmsrc, leaseOrder: order}
}

func (a *Allocator) bg(id uint32) (*Descriptor, error) {
	if int(id) >= len(a.bgs) {
		return nil, fmt.Errorf("blockgroup: bg %d out of range: %w", id, nverrors.ErrInvalidArgument)
	}
	return a.bgs[id], nil
}

// Descriptors returns the live BG descriptor slice (for superblock-wide
// counter recomputation and tests). Callers must hold no expectation of
// immutability: allocation mutates these in place.
func (a *Allocator) Descriptors() []*Descriptor { return a.bgs }

// AllocInode scans the inode bitmap of each leased BG, starting from
// hintBG, for a free slot; on exhaustion it requests a new container from
// the control plane (spec.md §4.3, §4.9). Returns the global inode number
// and the owning BG id.
func (a *Allocator) AllocInode(hintBG uint32, maxInodesPerBG uint32) (ino uint32, owningBG uint32, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tried := map[uint32]bool{}
	bgID := hintBG
	for {
		if !tried[bgID] {
			tried[bgID] = true
			bd, err := a.bg(bgID)
			if err != nil {
				return 0, 0, err
			}
			if bd.FreeInodes > 0 {
				bm, err := a.bmsrc.InodeBitmap(bgID)
				if err != nil {
					return 0, 0, err
				}
				slot := FindFirstZero(bm, bd.MaxInodes, 0)
				if slot >= 0 {
					SetBit(bm, uint32(slot))
					if err := a.bmsrc.MarkDirty(bgID, true); err != nil {
						return 0, 0, err
					}
					bd.FreeInodes--
					return bgID*maxInodesPerBG + uint32(slot), bgID, nil
				}
			}
		}

		next, ok := a.nextLeased(bgID)
		if ok && !tried[next] {
			bgID = next
			continue
		}

		if a.RequestContainer == nil {
			return 0, 0, fmt.Errorf("blockgroup: alloc_inode: %w", nverrors.ErrNoSpace)
		}
		newBG, err := a.RequestContainer()
		if err != nil {
			return 0, 0, fmt.Errorf("blockgroup: alloc_inode: %w", nverrors.ErrNoSpace)
		}
		a.leaseOrder = append(a.leaseOrder, newBG)
		bgID = newBG
	}
}

// nextLeased returns the BG id following cur in leaseOrder (round robin,
// wrapping from the last entry back to the first), or false if cur is not
// leased. The caller stops once the returned id was already tried.
func (a *Allocator) nextLeased(cur uint32) (uint32, bool) {
	idx := -1
	for i, id := range a.leaseOrder {
		if id == cur {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	return a.leaseOrder[(idx+1)%len(a.leaseOrder)], true
}

// FreeInode clears ibitmap bit `ino % maxInodesPerBG` of the owning BG and
// bumps FreeInodes.
func (a *Allocator) FreeInode(ino uint32, maxInodesPerBG uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bgID := ino / maxInodesPerBG
	slot := ino % maxInodesPerBG
	bd, err := a.bg(bgID)
	if err != nil {
		return err
	}
	bm, err := a.bmsrc.InodeBitmap(bgID)
	if err != nil {
		return err
	}
	if !TestBit(bm, slot) {
		return nil // idempotent: already free
	}
	ClearBit(bm, slot)
	if err := a.bmsrc.MarkDirty(bgID, true); err != nil {
		return err
	}
	bd.FreeInodes++
	return nil
}

// AllocBlocks allocates up to n physical blocks for bgID, preferring the
// run starting at the BG's bd_next_block hint for locality, and writes the
// resulting data-bitmap slots (local to bgID, not absolute physical block
// numbers) into out (which must have capacity >= n). It returns the number actually allocated, which may be less than n
// if the BG runs out; the caller is expected to retry against the next
// leased BG.
func (a *Allocator) AllocBlocks(bgID uint32, n uint32, out []uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bd, err := a.bg(bgID)
	if err != nil {
		return 0, err
	}
	if bd.FreeBlocks == 0 {
		return 0, nil
	}
	bm, err := a.bmsrc.DataBitmap(bgID)
	if err != nil {
		return 0, err
	}

	var got uint32
	hint := bd.NextBlock
	for got < n && bd.FreeBlocks > 0 {
		slot := FindFirstZero(bm, bd.MaxBlocks, hint)
		if slot < 0 {
			break
		}
		SetBit(bm, uint32(slot))
		bd.FreeBlocks--
		out[got] = uint32(slot) // local offset within bgID; caller translates to an absolute pbn
		got++
		hint = uint32(slot) + 1
	}
	bd.NextBlock = hint
	if got > 0 {
		if err := a.bmsrc.MarkDirty(bgID, false); err != nil {
			return got, err
		}
	}
	return got, nil
}

// FreeBlocks clears n data-bitmap bits starting at localSlots within bgID.
// If the BG becomes entirely free and is not the root BG (id 0), the
// caller is responsible for returning it to the control plane
// (CONTAINER_RELEASE, spec.md §4.9) — Allocator only reports that case via
// the returned bool.
func (a *Allocator) FreeBlocks(bgID uint32, localSlots []uint32) (becameEmpty bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bd, err := a.bg(bgID)
	if err != nil {
		return false, err
	}
	bm, err := a.bmsrc.DataBitmap(bgID)
	if err != nil {
		return false, err
	}
	for _, slot := range localSlots {
		if TestBit(bm, slot) {
			ClearBit(bm, slot)
			bd.FreeBlocks++
		}
	}
	if err := a.bmsrc.MarkDirty(bgID, false); err != nil {
		return false, err
	}
	return bd.FreeBlocks == bd.MaxBlocks && bgID != 0, nil
}
