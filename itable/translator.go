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

// Package itable implements the reserved-inode translation table of spec.md
// §4.1: the handful of fixed inode numbers (BLOCK_IO, ITABLE, DBITMAP,
// IBITMAP, BD) that the buffer cache addresses like ordinary files but which
// actually name filesystem-wide metadata regions spread across every block
// group. Ordinary inode numbers are handed off to a DataResolver, which in
// the full stack is the indirect block map.
package itable

import (
	"context"
	"fmt"

	"github.com/nvfuse/nvfuse/blockgroup"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/layout"
)

// DataResolver translates a (ino, lbn) pair for an ordinary file or
// directory inode, following its indirect block map. It is satisfied by the
// indirect package's Resolver.
type DataResolver interface {
	Resolve(ctx context.Context, ino uint32, lbn uint32, create bool) (pbn uint32, err error)
}

// Translator implements buffercache.Translator over a live BG descriptor
// table, dispatching the reserved inode numbers to the formulas in spec.md
// §4.1's translation table and everything else to Data.
type Translator struct {
	bgs            []*blockgroup.Descriptor
	maxInodesPerBG uint32
	Data           DataResolver
}

// New constructs a Translator. bgs must be the live descriptor slice
// (shared with the Allocator) so geometry changes (new leased BGs) are
// picked up without rebuilding the translator.
func New(bgs []*blockgroup.Descriptor, maxInodesPerBG uint32, data DataResolver) *Translator {
	return &Translator{bgs: bgs, maxInodesPerBG: maxInodesPerBG, Data: data}
}

func (t *Translator) bg(id uint32) (*blockgroup.Descriptor, error) {
	if int(id) >= len(t.bgs) {
		return nil, fmt.Errorf("itable: bg %d out of range: %w", id, nverrors.ErrInvalidArgument)
	}
	return t.bgs[id], nil
}

// Translate implements buffercache.Translator.
func (t *Translator) Translate(ctx context.Context, ino uint32, lbn uint32, create bool) (uint32, error) {
	switch ino {
	case layout.BlockIOIno:
		// Identity map: BLOCK_IO_INO addresses the raw device by absolute
		// cluster number, used by format and by whole-device scans.
		return lbn, nil

	case layout.ITableIno:
		return t.regionBlock(lbn, func(bd *blockgroup.Descriptor) (uint64, uint64) {
			return bd.ITableStart, blockgroup.ITableSize(bd.MaxInodes)
		})

	case layout.DBitmapIno:
		return t.regionBlock(lbn, func(bd *blockgroup.Descriptor) (uint64, uint64) {
			return bd.DBitmapStart, blockgroup.DBitmapSize(bd.MaxBlocks)
		})

	case layout.IBitmapIno:
		return t.regionBlock(lbn, func(bd *blockgroup.Descriptor) (uint64, uint64) {
			return bd.IBitmapStart, blockgroup.IBitmapSize(bd.MaxInodes)
		})

	case layout.BDIno:
		bgID := lbn
		bd, err := t.bg(bgID)
		if err != nil {
			return 0, err
		}
		return uint32(bd.BGStart + layout.BDOffset), nil

	default:
		if t.Data == nil {
			return 0, fmt.Errorf("itable: no data resolver for ino %d: %w", ino, nverrors.ErrIO)
		}
		return t.Data.Resolve(ctx, ino, lbn, create)
	}
}

// regionBlock walks the BG table locating which group lbn's flat index into
// a per-BG metadata region (sized by size(bd)) falls into, then returns
// region(bd) + the local offset within that group — the common shape shared
// by ITABLE_INO, DBITMAP_INO and IBITMAP_INO (spec.md §4.1).
func (t *Translator) regionBlock(lbn uint32, region func(bd *blockgroup.Descriptor) (start, size uint64)) (uint32, error) {
	remaining := uint64(lbn)
	for _, bd := range t.bgs {
		start, size := region(bd)
		if remaining < size {
			return uint32(start + remaining), nil
		}
		remaining -= size
	}
	return 0, fmt.Errorf("itable: lbn %d out of range for metadata region: %w", lbn, nverrors.ErrInvalidArgument)
}
