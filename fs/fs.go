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

// Package fs wires every layer of the stack — superblock, block-group
// allocator, buffer cache, inode-context cache, indirect block map,
// namespace/directory operations and the AIO engine — into the single
// Filesystem handle a mount session drives (spec.md §6). Format lays down a
// fresh on-disk image; Mount validates and reconstructs the in-memory stack
// over an already-formatted device; Umount drains it cleanly.
package fs

import (
	"context"
	"fmt"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nvfuse/nvfuse/aio"
	"github.com/nvfuse/nvfuse/blockgroup"
	"github.com/nvfuse/nvfuse/buffercache"
	"github.com/nvfuse/nvfuse/clock"
	"github.com/nvfuse/nvfuse/device"
	"github.com/nvfuse/nvfuse/directory"
	"github.com/nvfuse/nvfuse/fileio"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/indirect"
	"github.com/nvfuse/nvfuse/itable"
	"github.com/nvfuse/nvfuse/layout"
	"github.com/nvfuse/nvfuse/metrics"
	"github.com/nvfuse/nvfuse/namespace"
	"github.com/nvfuse/nvfuse/superblock"
)

// Default geometry/cache sizing used when an Options field is left zero.
// DefaultBufferCacheCapacity matches the NVFUSE_SYNC_DIRTY_COUNT-scale
// watermark spec.md §4.1/§4.2 documents for the dirty list.
const (
	DefaultInodesPerBG         = 1024
	DefaultBufferCacheCapacity = 1024
	DefaultInodeCacheCapacity  = 256
)

// reservedInodes are the inode numbers format must mark used in block
// group 0's inode bitmap before any ordinary alloc_inode can run: the
// reserved-inode family of spec.md §4.1 plus the fixed root directory
// inode.
var reservedInodes = []uint32{
	layout.BlockIOIno,
	layout.RootIno,
	layout.ITableIno,
	layout.DBitmapIno,
	layout.IBitmapIno,
	layout.BDIno,
}

// FormatOptions configures a fresh on-disk image.
type FormatOptions struct {
	// TotalBytes is the usable size of dev; it is rounded down to a whole
	// number of block groups.
	TotalBytes int64
	// InodesPerBG is the inode capacity of every block group. Zero uses
	// DefaultInodesPerBG.
	InodesPerBG uint32
}

// Format lays down a fresh superblock, every block group's descriptor and
// zeroed bitmaps, and an initialized root directory (spec.md §4.1, §4.5,
// §6's format lifecycle; "nvfuse format" in the CLI). The device is left in
// state INITIALIZED, ready for Mount.
func Format(ctx context.Context, dev device.Reactor, clk clock.Clock, reg *metrics.Registry, opts FormatOptions) error {
	if opts.InodesPerBG == 0 {
		opts.InodesPerBG = DefaultInodesPerBG
	}

	desc0 := blockgroup.NewDescriptor(0, 0, opts.InodesPerBG, layout.ClustersPerBlockGroup)
	sb, err := superblock.Format(ctx, dev, opts.TotalBytes, opts.InodesPerBG, desc0.MaxBlocks, clk)
	if err != nil {
		return fmt.Errorf("fs: format: %w", err)
	}

	descs := make([]*blockgroup.Descriptor, sb.BGNum)
	descs[0] = desc0
	for id := uint32(1); id < sb.BGNum; id++ {
		descs[id] = blockgroup.NewDescriptor(id, uint64(id)*layout.ClustersPerBlockGroup, opts.InodesPerBG, layout.ClustersPerBlockGroup)
	}

	tr := itable.New(descs, opts.InodesPerBG, nil)
	bc := buffercache.NewCache(DefaultBufferCacheCapacity, dev, tr, reg.Buffer)
	ic := ictx.NewCache(DefaultInodeCacheCapacity, bc)

	if err := zeroBitmaps(ctx, bc, descs, opts.InodesPerBG); err != nil {
		return fmt.Errorf("fs: format: %w", err)
	}
	descs[0].FreeInodes -= uint32(len(reservedInodes))

	bitmapSrc := newBCBitmapSource(bc, opts.InodesPerBG, desc0.MaxBlocks)
	alloc := blockgroup.NewAllocator(descs, bitmapSrc)
	rv := indirect.NewResolver(bc, alloc, ic, opts.InodesPerBG)
	tr.Data = rv

	allocInode := func(ctx context.Context, typ layout.InodeType) (uint32, error) {
		ino, _, err := alloc.AllocInode(0, opts.InodesPerBG)
		if err != nil {
			return 0, err
		}
		fic, err := ic.New(ctx, ino, typ, clk.Now())
		if err != nil {
			return 0, err
		}
		ic.Release(fic)
		return ino, nil
	}

	rootIC, err := ic.New(ctx, layout.RootIno, layout.TypeDir, clk.Now())
	if err != nil {
		return fmt.Errorf("fs: format: root inode: %w", err)
	}
	ic.Release(rootIC)

	root := directory.New(layout.RootIno, bc, ic, func(ctx context.Context) (uint32, error) {
		return allocInode(ctx, layout.TypeBPTree)
	}, func(ctx context.Context, newSize uint64) error {
		return rv.Truncate(ctx, layout.RootIno, newSize)
	})
	if err := root.InitEmpty(ctx, layout.RootIno); err != nil {
		return fmt.Errorf("fs: format: root directory: %w", err)
	}

	if err := ic.FlushAll(ctx); err != nil {
		return fmt.Errorf("fs: format: %w", err)
	}
	if err := bc.FlushAll(ctx); err != nil {
		return fmt.Errorf("fs: format: %w", err)
	}

	sb.State = layout.StateInitialized
	sb.LastUpdate = clk.Now()
	if err := sb.Store(ctx, dev); err != nil {
		return fmt.Errorf("fs: format: %w", err)
	}
	return nil
}

// zeroBitmaps writes a zeroed inode and data bitmap for every block group,
// marking the reserved inodes (and root) used in block group 0.
func zeroBitmaps(ctx context.Context, bc *buffercache.Cache, descs []*blockgroup.Descriptor, inodesPerBG uint32) error {
	iClusters := blockgroup.IBitmapSize(inodesPerBG)
	for bgID, bd := range descs {
		dClusters := blockgroup.DBitmapSize(bd.MaxBlocks)

		for c := uint64(0); c < iClusters; c++ {
			lbn := uint32(uint64(bgID)*iClusters + c)
			bh, err := bc.GetNewBH(ctx, layout.IBitmapIno, lbn, true)
			if err != nil {
				return err
			}
			if bgID == 0 && c == 0 {
				for _, ino := range reservedInodes {
					blockgroup.SetBit(bh.Buf, ino)
				}
			}
			bc.MarkDirty(bh)
			bc.Release(bh, true)
		}

		for c := uint64(0); c < dClusters; c++ {
			lbn := uint32(uint64(bgID)*dClusters + c)
			bh, err := bc.GetNewBH(ctx, layout.DBitmapIno, lbn, true)
			if err != nil {
				return err
			}
			bc.MarkDirty(bh)
			bc.Release(bh, true)
		}
	}
	return nil
}

// Filesystem is a mounted nvfuse instance: every layer of the stack wired
// to one device, ready to serve namespace and file-I/O operations.
type Filesystem struct {
	Dev   device.Reactor
	Clock clock.Clock
	SB    *superblock.Superblock
	Descs []*blockgroup.Descriptor

	Alloc      *blockgroup.Allocator
	BC         *buffercache.Cache
	IC         *ictx.Cache
	Resolver   *indirect.Resolver
	Translator *itable.Translator
	NS         *namespace.Namespace
	AIO        *aio.Engine
	Metrics    *metrics.Registry
}

// MountOptions configures the in-memory stack built over an already
// formatted device.
type MountOptions struct {
	BufferCacheCapacity int
	InodeCacheCapacity  int
	// Tracer spans every AIO submission (spec.md §4.8). A nil Tracer
	// falls back to the global no-op tracer (metrics.Tracer(nil)).
	Tracer oteltrace.Tracer
}

// Mount validates the persisted superblock state (refusing a CRASHED
// device, per spec.md §8) and rebuilds the in-memory stack: block-group
// descriptors are recomputed deterministically from the superblock's
// persisted geometry fields rather than read back off disk, since
// spec.md's block-group layout is itself a pure function of
// (id, bgStart, inodesPerBG, clustersPerBG); only the free-inode/free-block
// counters need to be recovered, by popcounting the real persisted bitmaps.
func Mount(ctx context.Context, dev device.Reactor, clk clock.Clock, reg *metrics.Registry, opts MountOptions) (*Filesystem, error) {
	if opts.BufferCacheCapacity == 0 {
		opts.BufferCacheCapacity = DefaultBufferCacheCapacity
	}
	if opts.InodeCacheCapacity == 0 {
		opts.InodeCacheCapacity = DefaultInodeCacheCapacity
	}

	sb, err := superblock.Mount(ctx, dev, clk)
	if err != nil {
		return nil, fmt.Errorf("fs: mount: %w", err)
	}

	descs := make([]*blockgroup.Descriptor, sb.BGNum)
	for id := uint32(0); id < sb.BGNum; id++ {
		descs[id] = blockgroup.NewDescriptor(id, uint64(id)*layout.ClustersPerBlockGroup, sb.InodesPerBG, layout.ClustersPerBlockGroup)
	}

	tr := itable.New(descs, sb.InodesPerBG, nil)
	bc := buffercache.NewCache(opts.BufferCacheCapacity, dev, tr, reg.Buffer)
	ic := ictx.NewCache(opts.InodeCacheCapacity, bc)

	bitmapSrc := newBCBitmapSource(bc, sb.InodesPerBG, sb.BlocksPerBG)
	if err := recomputeFreeCounters(bitmapSrc, descs); err != nil {
		return nil, fmt.Errorf("fs: mount: %w", err)
	}

	alloc := blockgroup.NewAllocator(descs, bitmapSrc)
	rv := indirect.NewResolver(bc, alloc, ic, sb.InodesPerBG)
	tr.Data = rv

	ns := &namespace.Namespace{
		BC:             bc,
		IC:             ic,
		Alloc:          alloc,
		Resolver:       rv,
		Clock:          clk,
		MaxInodesPerBG: sb.InodesPerBG,
	}

	return &Filesystem{
		Dev:        dev,
		Clock:      clk,
		SB:         sb,
		Descs:      descs,
		Alloc:      alloc,
		BC:         bc,
		IC:         ic,
		Resolver:   rv,
		Translator: tr,
		NS:         ns,
		AIO:        aio.NewEngine(dev, reg.AIO, opts.Tracer),
		Metrics:    reg,
	}, nil
}

// recomputeFreeCounters fills in FreeInodes/FreeBlocks on every descriptor
// from the real persisted bitmaps, since NewDescriptor has no way to know
// how much of a previously-used device is occupied.
func recomputeFreeCounters(src *bcBitmapSource, descs []*blockgroup.Descriptor) error {
	for _, bd := range descs {
		ibm, err := src.InodeBitmap(bd.ID)
		if err != nil {
			return err
		}
		bd.FreeInodes = bd.MaxInodes - blockgroup.PopCount(ibm, bd.MaxInodes)

		dbm, err := src.DataBitmap(bd.ID)
		if err != nil {
			return err
		}
		bd.FreeBlocks = bd.MaxBlocks - blockgroup.PopCount(dbm, bd.MaxBlocks)
	}
	return nil
}

// Umount drains every dirty inode context and buffer-cache entry (which
// itself issues the device flush barrier) and persists state UMOUNTED, so
// the next Mount does not find CRASHED (spec.md §6, §8).
func (fs *Filesystem) Umount(ctx context.Context) error {
	if err := fs.IC.FlushAll(ctx); err != nil {
		return fmt.Errorf("fs: umount: %w", err)
	}
	if err := fs.BC.FlushAll(ctx); err != nil {
		return fmt.Errorf("fs: umount: %w", err)
	}
	if err := fs.SB.Umount(ctx, fs.Dev, fs.Clock); err != nil {
		return fmt.Errorf("fs: umount: %w", err)
	}
	return nil
}

// OpenFile resolves path to a file inode (optionally creating it) and
// returns a buffered/direct I/O handle bound to it.
func (fs *Filesystem) OpenFile(ctx context.Context, path string, create bool) (*fileio.File, error) {
	ino, err := fs.NS.OpenfilePath(ctx, path, create)
	if err != nil {
		return nil, err
	}
	return fileio.New(ino, fs.BC, fs.IC, fs.Resolver, fs.Dev), nil
}

// OpenAIOHandle binds an AIO handle (fid) to an already-open file, for the
// direct-I/O submission path (spec.md §4.8).
func (fs *Filesystem) OpenAIOHandle(fid int, f *fileio.File) *aio.Handle {
	return fs.AIO.NewHandle(fid, f)
}

// Mkdir, Rmdir, Unlink, Rename, Symlink, Readlink and Truncate delegate
// directly to the namespace layer; Filesystem exists to own the wiring,
// not to duplicate namespace's path-resolution logic.

func (fs *Filesystem) Mkdir(ctx context.Context, path string) (uint32, error) {
	return fs.NS.MkdirPath(ctx, path)
}

func (fs *Filesystem) Rmdir(ctx context.Context, path string) error {
	return fs.NS.RmdirPath(ctx, path)
}

func (fs *Filesystem) Unlink(ctx context.Context, path string) error {
	return fs.NS.UnlinkPath(ctx, path)
}

func (fs *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	return fs.NS.RenamePath(ctx, oldPath, newPath)
}

func (fs *Filesystem) Symlink(ctx context.Context, target, linkPath string) (uint32, error) {
	return fs.NS.Symlink(ctx, target, linkPath)
}

func (fs *Filesystem) Readlink(ctx context.Context, path string) (string, error) {
	return fs.NS.Readlink(ctx, path)
}

func (fs *Filesystem) Truncate(ctx context.Context, path string, size uint64) error {
	return fs.NS.Truncate(ctx, path, size)
}

// Fsync drains every dirty inode context and buffer-cache entry without
// changing the superblock's mount state (contrast Umount).
func (fs *Filesystem) Fsync(ctx context.Context) error {
	return fs.NS.Fsync(ctx)
}
