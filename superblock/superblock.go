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

// Package superblock implements the 4 KiB on-disk superblock record
// (spec.md §3) and its format/mount/umount state machine (spec.md §6).
package superblock

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nvfuse/nvfuse/clock"
	"github.com/nvfuse/nvfuse/device"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/layout"
)

// AppSuperblock is the substructure used by secondary processes: the
// owning-core id, the secondary's root block group, and its cached
// free-block/inode counters (spec.md §3, §5 — "secondaries operate on a
// cached projection received at mount").
type AppSuperblock struct {
	OwnerCore  int32
	RootBG     uint32
	FreeBlocks uint64
	FreeInodes uint64
}

// Superblock is the authoritative on-disk record in the primary process,
// and the in-memory shape a secondary's AppSuperblock is projected from.
type Superblock struct {
	Signature uint32
	State     layout.SuperblockState

	TotalSectors uint64
	TotalBlocks  uint64

	FreeInodes uint64
	FreeBlocks uint64

	BGNum           uint32
	InodesPerBG     uint32
	BlocksPerBG     uint32
	RootIno         uint32
	LastUpdate      time.Time

	App AppSuperblock
}

// Encode serializes sb into one ClusterSize-byte record, little-endian,
// field by field — the same flat binary layout format/mount/umount all
// write and read directly off the device, with no versioned schema beyond
// the signature itself.
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, layout.ClusterSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], sb.Signature)
	le.PutUint32(buf[4:], uint32(sb.State))
	le.PutUint64(buf[8:], sb.TotalSectors)
	le.PutUint64(buf[16:], sb.TotalBlocks)
	le.PutUint64(buf[24:], sb.FreeInodes)
	le.PutUint64(buf[32:], sb.FreeBlocks)
	le.PutUint32(buf[40:], sb.BGNum)
	le.PutUint32(buf[44:], sb.InodesPerBG)
	le.PutUint32(buf[48:], sb.BlocksPerBG)
	le.PutUint32(buf[52:], sb.RootIno)
	le.PutUint64(buf[56:], uint64(sb.LastUpdate.Unix()))
	le.PutUint32(buf[64:], uint32(sb.App.OwnerCore))
	le.PutUint32(buf[68:], sb.App.RootBG)
	le.PutUint64(buf[72:], sb.App.FreeBlocks)
	le.PutUint64(buf[80:], sb.App.FreeInodes)
	return buf
}

// Decode parses a ClusterSize-byte record written by Encode.
func Decode(buf []byte) (*Superblock, error) {
	if len(buf) < layout.ClusterSize {
		return nil, fmt.Errorf("superblock: short record: %w", nverrors.ErrIO)
	}
	le := binary.LittleEndian
	sb := &Superblock{
		Signature:    le.Uint32(buf[0:]),
		State:        layout.SuperblockState(le.Uint32(buf[4:])),
		TotalSectors: le.Uint64(buf[8:]),
		TotalBlocks:  le.Uint64(buf[16:]),
		FreeInodes:   le.Uint64(buf[24:]),
		FreeBlocks:   le.Uint64(buf[32:]),
		BGNum:        le.Uint32(buf[40:]),
		InodesPerBG:  le.Uint32(buf[44:]),
		BlocksPerBG:  le.Uint32(buf[48:]),
		RootIno:      le.Uint32(buf[52:]),
		LastUpdate:   time.Unix(int64(le.Uint64(buf[56:])), 0).UTC(),
	}
	sb.App.OwnerCore = int32(le.Uint32(buf[64:]))
	sb.App.RootBG = le.Uint32(buf[68:])
	sb.App.FreeBlocks = le.Uint64(buf[72:])
	sb.App.FreeInodes = le.Uint64(buf[80:])
	return sb, nil
}

// offsetBytes is the byte offset of the superblock record: block group 0,
// cluster INIT_NVFUSE_SUPERBLOCK_NO.
func offsetBytes() int64 {
	return int64(layout.InitSuperblockNo) * layout.ClusterSize
}

// Load reads and decodes the superblock from dev.
func Load(ctx context.Context, dev device.Reactor) (*Superblock, error) {
	buf := make([]byte, layout.ClusterSize)
	if err := dev.SyncRead(ctx, offsetBytes(), buf); err != nil {
		return nil, fmt.Errorf("superblock: load: %w", err)
	}
	sb, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if sb.Signature != layout.SuperblockSignature {
		return nil, fmt.Errorf("superblock: bad signature %#x: %w", sb.Signature, nverrors.ErrInvalidArgument)
	}
	return sb, nil
}

// Store writes sb to dev.
func (sb *Superblock) Store(ctx context.Context, dev device.Reactor) error {
	if err := dev.SyncWrite(ctx, offsetBytes(), sb.Encode()); err != nil {
		return fmt.Errorf("superblock: store: %w", err)
	}
	return nil
}

// Format initializes a fresh superblock for a device of the given total
// byte size, partitioned into block groups of layout.BlockGroupSize, and
// persists it in state FORMATTED (spec.md §3 lifecycle).
func Format(ctx context.Context, dev device.Reactor, totalBytes int64, inodesPerBG, blocksPerBG uint32, clk clock.Clock) (*Superblock, error) {
	bgNum := uint32(totalBytes / layout.BlockGroupSize)
	if bgNum == 0 {
		return nil, fmt.Errorf("superblock: format: device too small: %w", nverrors.ErrInvalidArgument)
	}
	sb := &Superblock{
		Signature:    layout.SuperblockSignature,
		State:        layout.StateFormatted,
		TotalSectors: uint64(totalBytes) / 512,
		TotalBlocks:  uint64(totalBytes) / layout.ClusterSize,
		FreeInodes:   uint64(inodesPerBG) * uint64(bgNum),
		FreeBlocks:   uint64(blocksPerBG) * uint64(bgNum),
		BGNum:        bgNum,
		InodesPerBG:  inodesPerBG,
		BlocksPerBG:  blocksPerBG,
		RootIno:      layout.RootIno,
		LastUpdate:   clk.Now(),
	}
	if err := sb.Store(ctx, dev); err != nil {
		return nil, err
	}
	return sb, nil
}

// Mount validates the persisted state word and transitions it to MOUNTED.
// It refuses if the filesystem was left MOUNTED (meaning the previous
// session crashed without a clean umount): the state is first rewritten to
// CRASHED, so a repeated mount attempt finds CRASHED and also refuses. A
// filesystem already CRASHED is refused without modifying the device
// (spec.md §6, §8 "crash refusal").
func Mount(ctx context.Context, dev device.Reactor, clk clock.Clock) (*Superblock, error) {
	sb, err := Load(ctx, dev)
	if err != nil {
		return nil, err
	}

	switch sb.State {
	case layout.StateCrashed:
		return nil, nverrors.ErrCrashed
	case layout.StateMounted:
		sb.State = layout.StateCrashed
		sb.LastUpdate = clk.Now()
		if werr := sb.Store(ctx, dev); werr != nil {
			return nil, werr
		}
		return nil, nverrors.ErrCrashed
	case layout.StateFormatted, layout.StateUmounted, layout.StateInitialized:
		sb.State = layout.StateMounted
		sb.LastUpdate = clk.Now()
		if err := sb.Store(ctx, dev); err != nil {
			return nil, err
		}
		return sb, nil
	default:
		return nil, fmt.Errorf("superblock: unknown state %d: %w", sb.State, nverrors.ErrInvalidArgument)
	}
}

// Umount writes state UMOUNTED. Callers must have already flushed the
// buffer cache and issued a device flush before calling this (spec.md §6
// lifecycle: a clean unmount is what allows a subsequent mount to avoid
// CRASHED).
func (sb *Superblock) Umount(ctx context.Context, dev device.Reactor, clk clock.Clock) error {
	sb.State = layout.StateUmounted
	sb.LastUpdate = clk.Now()
	return sb.Store(ctx, dev)
}
