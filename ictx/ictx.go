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

// Package ictx implements the inode-context cache (spec.md §4.2): a
// fixed-capacity pool of live *inode.Inode wrappers keyed by inode number,
// each tracking the buffer-cache entries (BH) it has dirtied. A flush
// writes the packed inode record and drops that bookkeeping; the dirty
// buffers themselves are written by the buffer cache's own flush, and
// eviction writes nothing. The dirty index that spec.md's reference design keeps
// as a red-black tree is realized here as an ordered map: a slice giving
// insertion order plus a map giving O(1) membership, since Go's standard
// library has no balanced tree container and a plain map cannot be walked
// in a stable order for write-back batching.
package ictx

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nvfuse/nvfuse/buffercache"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/inode"
	"github.com/nvfuse/nvfuse/layout"
)

// dirtyIndex is the ordered-map substitute for the rbtree the original
// design threads dirty buffer heads through: Entries() always returns
// insertion order, and membership checks go through the map in O(1).
type dirtyIndex struct {
	order []uint64
	byKey map[uint64]*buffercache.Entry
}

func newDirtyIndex() *dirtyIndex {
	return &dirtyIndex{byKey: make(map[uint64]*buffercache.Entry)}
}

func (d *dirtyIndex) Add(e *buffercache.Entry) {
	if _, ok := d.byKey[e.Key()]; ok {
		return
	}
	d.byKey[e.Key()] = e
	d.order = append(d.order, e.Key())
}

func (d *dirtyIndex) Remove(key uint64) {
	if _, ok := d.byKey[key]; !ok {
		return
	}
	delete(d.byKey, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *dirtyIndex) Entries() []*buffercache.Entry {
	out := make([]*buffercache.Entry, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.byKey[k])
	}
	return out
}

func (d *dirtyIndex) Len() int { return len(d.order) }

// Context is one live inode-context: the decoded inode plus the buffer
// heads this process has dirtied on its behalf, split into metadata (the
// inode's own indirect-map blocks, directory/B+-tree nodes) and data lists
// exactly as spec.md §4.2 describes.
type Context struct {
	Ino   uint32
	Inode *inode.Inode

	dirtyMeta *dirtyIndex
	dirtyData *dirtyIndex

	ref   int32
	dirty bool // the inode record itself (size/mtime/links/...) changed

	elem *list.Element
}

// AddDirtyMeta/AddDirtyData record that bh belongs to this context's
// write-back set; Release on the buffer cache already moved bh onto its
// DIRTY list, this just remembers which ictx must walk it come fsync.
func (c *Context) AddDirtyMeta(bh *buffercache.Entry) { c.dirtyMeta.Add(bh) }
func (c *Context) AddDirtyData(bh *buffercache.Entry) { c.dirtyData.Add(bh) }

// MarkDirty flags the inode record itself as needing write-back.
func (c *Context) MarkDirty() { c.dirty = true }

// IsDirty reports whether the inode record or any tracked buffer is dirty.
func (c *Context) IsDirty() bool {
	return c.dirty || c.dirtyMeta.Len() > 0 || c.dirtyData.Len() > 0
}

// Cache is the bounded pool of live inode contexts (spec.md §4.2).
type Cache struct {
	mu sync.Mutex

	capacity          int
	byIno             map[uint32]*Context
	lru               *list.List // unreferenced contexts, victims at Front
	entriesPerCluster uint32

	bc *buffercache.Cache
}

// NewCache constructs an ictx Cache backed by bc, the shared buffer cache
// used to read/write packed inode-table clusters via the ITABLE_INO
// reserved inode.
func NewCache(capacity int, bc *buffercache.Cache) *Cache {
	return &Cache{
		capacity:          capacity,
		byIno:             make(map[uint32]*Context, capacity),
		lru:               list.New(),
		entriesPerCluster: layout.ClusterSize / layout.InodeEntrySize,
		bc:                bc,
	}
}

// Get implements get_ictx: return the cached context for ino, loading it
// from the inode table on a miss. The returned context has its reference
// count bumped; callers must call Release when done.
func (c *Cache) Get(ctx context.Context, ino uint32) (*Context, error) {
	c.mu.Lock()
	if ic, ok := c.byIno[ino]; ok {
		if ic.elem != nil {
			c.lru.Remove(ic.elem)
			ic.elem = nil
		}
		ic.ref++
		c.mu.Unlock()
		return ic, nil
	}
	c.mu.Unlock()

	ic, err := c.readInode(ctx, ino)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byIno[ino]; ok {
		// Lost a race against a concurrent Get; discard the redundant load.
		existing.ref++
		return existing, nil
	}
	if len(c.byIno) >= c.capacity {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}
	ic.ref = 1
	c.byIno[ino] = ic
	return ic, nil
}

// New creates the in-memory context for a just-allocated inode number,
// bypassing read_inode since there is nothing on disk yet worth reading.
// The caller must eventually release it; the inode record itself is
// written out the first time FlushOne/FlushAll sees it dirty, which New
// ensures by marking it dirty immediately.
func (c *Cache) New(ctx context.Context, ino uint32, typ layout.InodeType, now time.Time) (*Context, error) {
	ic := &Context{
		Ino: ino,
		Inode: &inode.Inode{
			Ino:   ino,
			Type:  typ,
			Atime: now,
			Ctime: now,
			Mtime: now,
		},
		dirtyMeta: newDirtyIndex(),
		dirtyData: newDirtyIndex(),
	}
	ic.MarkDirty()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byIno[ino]; ok {
		return nil, fmt.Errorf("ictx: new inode %d: already resident: %w", ino, nverrors.ErrExists)
	}
	if len(c.byIno) >= c.capacity {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}
	ic.ref = 1
	c.byIno[ino] = ic
	return ic, nil
}

// readInode implements read_inode: locate ino's table cluster through the
// buffer cache (which dispatches it through the ITABLE_INO reserved inode
// translation) and decode its packed record.
func (c *Cache) readInode(ctx context.Context, ino uint32) (*Context, error) {
	lbn := ino / c.entriesPerCluster
	bh, err := c.bc.GetBH(ctx, layout.ITableIno, lbn, true, true)
	if err != nil {
		return nil, fmt.Errorf("ictx: read_inode %d: %w", ino, err)
	}
	defer c.bc.Release(bh, false)

	off := inode.EntryOffsetInCluster(ino, c.entriesPerCluster)
	rec := inode.Decode(bh.Buf[off : off+layout.InodeEntrySize])
	if inode.IsFree(ino, rec) {
		return nil, fmt.Errorf("ictx: read_inode %d: %w", ino, nverrors.ErrNotFound)
	}

	return &Context{
		Ino:       ino,
		Inode:     rec,
		dirtyMeta: newDirtyIndex(),
		dirtyData: newDirtyIndex(),
	}, nil
}

// evictLocked drops the LRU-front unreferenced, clean context to make room
// for a new load. Callers hold c.mu.
func (c *Cache) evictLocked() error {
	for el := c.lru.Front(); el != nil; el = el.Next() {
		ic := el.Value.(*Context)
		if ic.IsDirty() {
			continue
		}
		c.lru.Remove(el)
		delete(c.byIno, ic.Ino)
		return nil
	}
	return fmt.Errorf("ictx: cache full of dirty or referenced contexts: %w", nverrors.ErrBufferExhausted)
}

// Release implements the ictx half of release_bh/put_ictx: decrement the
// reference count and, once unreferenced, make the context eligible for
// eviction by moving it onto the LRU list. Dirty contexts stay resident
// (pinned) until FlushOne/FlushAll clears their dirty state, since evicting
// a dirty context without writing it back would lose the inode update.
func (c *Cache) Release(ic *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ic.ref--
	if ic.ref > 0 || ic.IsDirty() {
		return
	}
	ic.elem = c.lru.PushBack(ic)
}

// writeInodeRecord packs ic.Inode back into its table cluster. Called with
// the buffer cache doing the actual I/O; the cluster itself is marked dirty
// and left for the buffer cache's own flush path.
func (c *Cache) writeInodeRecord(ctx context.Context, ic *Context) error {
	lbn := ic.Ino / c.entriesPerCluster
	bh, err := c.bc.GetBH(ctx, layout.ITableIno, lbn, true, true)
	if err != nil {
		return fmt.Errorf("ictx: write inode %d: %w", ic.Ino, err)
	}
	off := inode.EntryOffsetInCluster(ic.Ino, c.entriesPerCluster)
	copy(bh.Buf[off:off+layout.InodeEntrySize], ic.Inode.Encode())
	c.bc.MarkDirty(bh)
	c.bc.Release(bh, true)
	ic.dirty = false
	return nil
}

// FlushOne writes back ic's inode record (if dirty) and clears its dirty
// meta/data lists. The buffers on those lists stay on the buffer cache's
// own dirty list; it does not write them or force the device flush (FUA)
// — callers doing fsync call bc.FlushAll afterwards to write them and get
// that durability barrier.
func (c *Cache) FlushOne(ctx context.Context, ic *Context) error {
	if ic.dirty {
		if err := c.writeInodeRecord(ctx, ic); err != nil {
			return err
		}
	}
	for _, bh := range ic.dirtyMeta.Entries() {
		if err := c.flushEntry(ctx, bh); err != nil {
			return err
		}
		ic.dirtyMeta.Remove(bh.Key())
	}
	for _, bh := range ic.dirtyData.Entries() {
		if err := c.flushEntry(ctx, bh); err != nil {
			return err
		}
		ic.dirtyData.Remove(bh.Key())
	}
	return nil
}

func (c *Cache) flushEntry(ctx context.Context, bh *buffercache.Entry) error {
	// The entry is already tracked by the shared buffer cache's own dirty
	// list; nothing to do here beyond letting FlushAll pick it up. This
	// hook exists so a future per-entry write-back (e.g. fdatasync on a
	// single file) has somewhere to issue a targeted write without waiting
	// on the whole cache's dirty list.
	_ = ctx
	_ = bh
	return nil
}

// FlushAll writes back every resident dirty context's inode record. It
// does not issue the device flush (FUA) barrier itself — callers doing
// fsync/umount call the buffer cache's own FlushAll afterwards, same as
// FlushOne.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	dirty := make([]*Context, 0)
	for _, ic := range c.byIno {
		if ic.IsDirty() {
			dirty = append(dirty, ic)
		}
	}
	c.mu.Unlock()

	for _, ic := range dirty {
		if err := c.FlushOne(ctx, ic); err != nil {
			return err
		}
	}
	return nil
}

// DirtyCount returns how many live contexts currently carry dirty state,
// used by fsync/sync callers to decide whether a flush pass is needed.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ic := range c.byIno {
		if ic.IsDirty() {
			n++
		}
	}
	return n
}
