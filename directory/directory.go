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

// Package directory implements fixed-size dentry blocks and the
// create/lookup/remove operations that keep them in sync with a
// directory's B+-tree name index (spec.md §4.5's directory-operations
// subsection). The B+-tree inode (BPIno) is allocated lazily on a
// directory's first real insert — "." and ".." are written eagerly at
// mkdir time directly into dentry slots 0 and 1 without touching the
// B+-tree, since two well-known names never need a hashed lookup.
package directory

import (
	"context"
	"fmt"

	"github.com/nvfuse/nvfuse/bptree"
	"github.com/nvfuse/nvfuse/buffercache"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/layout"
)

// Dentry is the decoded form of one 64-byte directory entry.
type Dentry struct {
	Flag layout.DentryFlag
	Ino  uint32
	Type layout.InodeType
	Name string
}

func decodeDentry(buf []byte) Dentry {
	d := Dentry{
		Flag: layout.DentryFlag(buf[0]),
		Ino:  0,
	}
	nameLen := int(buf[1])
	d.Ino = uint32(buf[2]) | uint32(buf[3])<<8 | uint32(buf[4])<<16 | uint32(buf[5])<<24
	d.Type = layout.InodeType(buf[6])
	if nameLen > layout.FnameSize {
		nameLen = layout.FnameSize
	}
	d.Name = string(buf[7 : 7+nameLen])
	return d
}

func encodeDentry(d Dentry, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = byte(d.Flag)
	buf[1] = byte(len(d.Name))
	buf[2] = byte(d.Ino)
	buf[3] = byte(d.Ino >> 8)
	buf[4] = byte(d.Ino >> 16)
	buf[5] = byte(d.Ino >> 24)
	buf[6] = byte(d.Type)
	copy(buf[7:7+layout.FnameSize], d.Name)
}

const (
	dotIndex    = 0
	dotdotIndex = 1
)

// Directory operates on one directory inode's dentry clusters and its
// (possibly not-yet-allocated) B+-tree index.
type Directory struct {
	ino uint32
	bc  *buffercache.Cache
	ic  *ictx.Cache

	newTreeIno func(ctx context.Context) (uint32, error)
	shrink     func(ctx context.Context, newSize uint64) error
}

// New constructs a Directory. newTreeIno allocates a fresh inode for the
// B+-tree index the first time this directory needs one — supplied as a
// callback so this package does not need to depend on the namespace
// layer's inode-allocation policy. shrink truncates the directory's own
// inode down to newSize, used by Remove to free a trailing cluster once
// every dentry it held has been compacted away.
func New(ino uint32, bc *buffercache.Cache, ic *ictx.Cache, newTreeIno func(ctx context.Context) (uint32, error), shrink func(ctx context.Context, newSize uint64) error) *Directory {
	return &Directory{ino: ino, bc: bc, ic: ic, newTreeIno: newTreeIno, shrink: shrink}
}

func (d *Directory) readDentry(ctx context.Context, idx uint32) (Dentry, error) {
	lbn := idx / layout.DentriesPerCluster
	bh, err := d.bc.GetBH(ctx, d.ino, lbn, false, true)
	if err != nil {
		return Dentry{}, fmt.Errorf("directory: read dentry %d: %w", idx, err)
	}
	off := int(idx%layout.DentriesPerCluster) * layout.DentrySize
	dn := decodeDentry(bh.Buf[off : off+layout.DentrySize])
	d.bc.Release(bh, false)
	return dn, nil
}

// writeDentry persists dn at idx, allocating (and zeroing) the backing
// cluster on first touch of that cluster.
func (d *Directory) writeDentry(ctx context.Context, ic *ictx.Context, idx uint32, dn Dentry) error {
	lbn := idx / layout.DentriesPerCluster
	needed := uint64(lbn+1) * layout.ClusterSize

	var bh *buffercache.Entry
	var err error
	if needed > ic.Inode.Size {
		bh, err = d.bc.GetNewBH(ctx, d.ino, lbn, false)
		if err == nil {
			ic.Inode.Size = needed
			ic.MarkDirty()
		}
	} else {
		bh, err = d.bc.GetBH(ctx, d.ino, lbn, false, true)
	}
	if err != nil {
		return fmt.Errorf("directory: write dentry %d: %w", idx, err)
	}
	off := int(idx%layout.DentriesPerCluster) * layout.DentrySize
	encodeDentry(dn, bh.Buf[off:off+layout.DentrySize])
	d.bc.MarkDirty(bh)
	d.bc.Release(bh, true)
	return nil
}

// InitEmpty writes the "." and ".." entries of a freshly created directory
// and sets its starting link count (2, per the POSIX convention that every
// directory's link count begins at the number of things pointing to it:
// its own "." and its parent's entry for it).
func (d *Directory) InitEmpty(ctx context.Context, parentIno uint32) error {
	ic, err := d.ic.Get(ctx, d.ino)
	if err != nil {
		return err
	}
	defer d.ic.Release(ic)

	if err := d.writeDentry(ctx, ic, dotIndex, Dentry{Flag: layout.DentryUsed, Ino: d.ino, Type: layout.TypeDir, Name: "."}); err != nil {
		return err
	}
	if err := d.writeDentry(ctx, ic, dotdotIndex, Dentry{Flag: layout.DentryUsed, Ino: parentIno, Type: layout.TypeDir, Name: ".."}); err != nil {
		return err
	}
	ic.Inode.Ptr = dotdotIndex
	ic.Inode.LinksCount = 2
	ic.MarkDirty()
	return nil
}

// tree returns this directory's B+-tree index, allocating its backing
// inode on first use.
func (d *Directory) tree(ctx context.Context, ic *ictx.Context) (*bptree.Tree, error) {
	if ic.Inode.BPIno == 0 {
		treeIno, err := d.newTreeIno(ctx)
		if err != nil {
			return nil, err
		}
		ic.Inode.BPIno = treeIno
		ic.MarkDirty()
	}
	return bptree.New(ic.Inode.BPIno, d.bc, d.ic), nil
}

// findFreeSlot scans existing dentry clusters for an EMPTY or DELETED slot
// past "." and "..", returning the directory's current end-of-data index
// (one past the last allocated dentry) if none is free.
func (d *Directory) findFreeSlot(ctx context.Context, ic *ictx.Context) (uint32, error) {
	total := uint32(ic.Inode.Size / layout.DentrySize)
	for i := uint32(dotdotIndex + 1); i < total; i++ {
		dn, err := d.readDentry(ctx, i)
		if err != nil {
			return 0, err
		}
		if dn.Flag != layout.DentryUsed {
			return i, nil
		}
	}
	return total, nil
}

// Create implements the dentry-creation half of mkdir/creat/link: insert a
// new (name -> childIno) entry into this directory.
func (d *Directory) Create(ctx context.Context, name string, childIno uint32, childType layout.InodeType) error {
	if len(name) == 0 || len(name) > layout.FnameSize {
		return fmt.Errorf("directory: create %q: %w", name, nverrors.ErrInvalidArgument)
	}

	ic, err := d.ic.Get(ctx, d.ino)
	if err != nil {
		return err
	}
	defer d.ic.Release(ic)

	if existing, err := d.lookupLocked(ctx, ic, name); err == nil && existing != nil {
		return fmt.Errorf("directory: create %q: %w", name, nverrors.ErrExists)
	}

	idx, err := d.findFreeSlot(ctx, ic)
	if err != nil {
		return err
	}
	if err := d.writeDentry(ctx, ic, idx, Dentry{Flag: layout.DentryUsed, Ino: childIno, Type: childType, Name: name}); err != nil {
		return err
	}

	tree, err := d.tree(ctx, ic)
	if err != nil {
		return err
	}
	if err := tree.Insert(ctx, bptree.HashName(name), idx); err != nil {
		return err
	}

	if idx > ic.Inode.Ptr {
		ic.Inode.Ptr = idx
	}
	ic.Inode.LinksCount++
	ic.MarkDirty()
	return nil
}

// lookupLocked resolves name to its Dentry using the B+-tree index,
// verifying each hash collision candidate against its stored name. Returns
// (nil, nil) on a clean miss.
func (d *Directory) lookupLocked(ctx context.Context, ic *ictx.Context, name string) (*Dentry, error) {
	if ic.Inode.BPIno == 0 {
		return nil, nil
	}
	tree := bptree.New(ic.Inode.BPIno, d.bc, d.ic)
	slots, err := tree.Lookup(ctx, bptree.HashName(name))
	if err != nil {
		return nil, err
	}
	for _, s := range slots {
		dn, err := d.readDentry(ctx, s.DentryIndex())
		if err != nil {
			return nil, err
		}
		if dn.Flag == layout.DentryUsed && dn.Name == name {
			return &dn, nil
		}
	}
	return nil, nil
}

// Lookup resolves name to its child inode number, per the ordinary POSIX
// lookup(2) contract: "." and ".." are answered directly without touching
// the B+-tree.
func (d *Directory) Lookup(ctx context.Context, name string) (uint32, layout.InodeType, error) {
	if name == "." {
		return d.ino, layout.TypeDir, nil
	}
	ic, err := d.ic.Get(ctx, d.ino)
	if err != nil {
		return 0, 0, err
	}
	defer d.ic.Release(ic)

	if name == ".." {
		dn, err := d.readDentry(ctx, dotdotIndex)
		if err != nil {
			return 0, 0, err
		}
		return dn.Ino, dn.Type, nil
	}

	dn, err := d.lookupLocked(ctx, ic, name)
	if err != nil {
		return 0, 0, err
	}
	if dn == nil {
		return 0, 0, fmt.Errorf("directory: lookup %q: %w", name, nverrors.ErrNotFound)
	}
	return dn.Ino, dn.Type, nil
}

// Remove deletes name's entry from both the dentry block and the B+-tree
// index, then compacts the hole it left: the dentry currently at i_ptr (the
// last USED slot) is moved into the freed index — re-keyed in the B+-tree
// to point at its new slot — so that i_ptr always names the final USED
// dentry (spec.md §3, §4.5). i_ptr is walked back over any now-trailing
// EMPTY/DELETED slots, and once it retreats behind the directory's last
// allocated cluster, that cluster is freed via shrink.
func (d *Directory) Remove(ctx context.Context, name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("directory: remove %q: %w", name, nverrors.ErrInvalidArgument)
	}
	ic, err := d.ic.Get(ctx, d.ino)
	if err != nil {
		return err
	}
	defer d.ic.Release(ic)

	dn, err := d.lookupLocked(ctx, ic, name)
	if err != nil {
		return err
	}
	if dn == nil {
		return fmt.Errorf("directory: remove %q: %w", name, nverrors.ErrNotFound)
	}

	tree := bptree.New(ic.Inode.BPIno, d.bc, d.ic)
	slots, err := tree.Lookup(ctx, bptree.HashName(name))
	if err != nil {
		return err
	}
	var idx uint32
	found := false
	for _, s := range slots {
		candidate, err := d.readDentry(ctx, s.DentryIndex())
		if err != nil {
			return err
		}
		if candidate.Flag == layout.DentryUsed && candidate.Name == name {
			idx = s.DentryIndex()
			if err := tree.Delete(ctx, bptree.HashName(name), s); err != nil {
				return err
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("directory: remove %q: %w", name, nverrors.ErrNotFound)
	}

	ptr := ic.Inode.Ptr
	if idx != ptr {
		last, err := d.readDentry(ctx, ptr)
		if err != nil {
			return err
		}
		lastSlot, err := d.findSlot(ctx, ic, last.Name, ptr)
		if err != nil {
			return err
		}
		if lastSlot != nil {
			if err := tree.Delete(ctx, bptree.HashName(last.Name), *lastSlot); err != nil {
				return err
			}
			if err := tree.Insert(ctx, bptree.HashName(last.Name), idx); err != nil {
				return err
			}
		}
		if err := d.writeDentry(ctx, ic, idx, last); err != nil {
			return err
		}
		if err := d.writeDentry(ctx, ic, ptr, Dentry{Flag: layout.DentryDeleted}); err != nil {
			return err
		}
	} else {
		if err := d.writeDentry(ctx, ic, idx, Dentry{Flag: layout.DentryDeleted}); err != nil {
			return err
		}
	}

	newPtr := dotdotIndex
	for i := int64(ptr) - 1; i > dotdotIndex; i-- {
		candidate, err := d.readDentry(ctx, uint32(i))
		if err != nil {
			return err
		}
		if candidate.Flag == layout.DentryUsed {
			newPtr = int(i)
			break
		}
	}
	ic.Inode.Ptr = uint32(newPtr)
	ic.Inode.LinksCount--
	ic.MarkDirty()

	if err := d.shrinkTrailingClusters(ctx, ic); err != nil {
		return err
	}
	return nil
}

// findSlot locates name's exact Slot in the B+-tree, given that it is
// currently stored at dentry index wantIdx. Used by Remove to re-key the
// last USED dentry's index after moving it.
func (d *Directory) findSlot(ctx context.Context, ic *ictx.Context, name string, wantIdx uint32) (*bptree.Slot, error) {
	if ic.Inode.BPIno == 0 {
		return nil, nil
	}
	tree := bptree.New(ic.Inode.BPIno, d.bc, d.ic)
	slots, err := tree.Lookup(ctx, bptree.HashName(name))
	if err != nil {
		return nil, err
	}
	for _, s := range slots {
		if s.DentryIndex() == wantIdx {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

// shrinkTrailingClusters frees any cluster past the one holding i_ptr, now
// that i_ptr has retreated past it.
func (d *Directory) shrinkTrailingClusters(ctx context.Context, ic *ictx.Context) error {
	if d.shrink == nil {
		return nil
	}
	keepClusters := uint64(ic.Inode.Ptr)/layout.DentriesPerCluster + 1
	curClusters := ic.Inode.Size / layout.ClusterSize
	if keepClusters >= curClusters {
		return nil
	}
	newSize := keepClusters * layout.ClusterSize
	if err := d.shrink(ctx, newSize); err != nil {
		return fmt.Errorf("directory: shrink: %w", err)
	}
	ic.Inode.Size = newSize
	ic.MarkDirty()
	return nil
}

// IsEmpty reports whether this directory holds only "." and "..".
func (d *Directory) IsEmpty(ctx context.Context) (bool, error) {
	ic, err := d.ic.Get(ctx, d.ino)
	if err != nil {
		return false, err
	}
	defer d.ic.Release(ic)
	return ic.Inode.LinksCount <= 2, nil
}

// List returns every USED dentry in index order, for readdir.
func (d *Directory) List(ctx context.Context) ([]Dentry, error) {
	ic, err := d.ic.Get(ctx, d.ino)
	if err != nil {
		return nil, err
	}
	defer d.ic.Release(ic)

	total := uint32(ic.Inode.Size / layout.DentrySize)
	out := make([]Dentry, 0, total)
	for i := uint32(0); i < total; i++ {
		dn, err := d.readDentry(ctx, i)
		if err != nil {
			return nil, err
		}
		if dn.Flag == layout.DentryUsed {
			out = append(out, dn)
		}
	}
	return out, nil
}
