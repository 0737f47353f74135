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

// Package buffercache implements the fixed-capacity pool of 4 KiB frames
// described in spec.md §4.1: read-through/write-back buffer cache entries
// (BC) addressed by the composite key (type, ino, lbn), with per-state LRU
// lists and BH handles that track dirtiness against an owning inode
// context.
package buffercache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/nvfuse/nvfuse/device"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/layout"
	"github.com/nvfuse/nvfuse/metrics"
)

// ListType is the LRU list an Entry currently belongs to.
type ListType int

const (
	ListUnused ListType = iota
	ListRef
	ListClean
	ListDirty
	ListFlushing
)

// Entry is one physical buffer-cache frame (spec.md §3's BC).
type Entry struct {
	mu sync.Mutex

	key   uint64
	Buf   [layout.ClusterSize]byte
	PNO   uint32
	Ino   uint32
	LBN   uint32
	dirty bool
	load  bool
	ref   int32

	list     ListType
	elem     *list.Element // position within its current LRU list
}

func (e *Entry) Key() uint64 { return e.key }

// Translator resolves a (ino, lbn) logical reference to a physical cluster
// number, dispatching either to the reserved-inode formulas (spec.md
// §4.1's translation table) or to a regular inode's indirect block map.
type Translator interface {
	Translate(ctx context.Context, ino uint32, lbn uint32, create bool) (pbn uint32, err error)
}

// Cache is the buffer-cache pool.
type Cache struct {
	mu sync.Mutex

	capacity int
	byKey    map[uint64]*Entry

	unused   *list.List
	refList  *list.List
	clean    *list.List
	dirty    *list.List
	flushing *list.List

	dev        device.Reactor
	translator Translator
	metrics    *metrics.BufferCacheMetrics
}

// NewCache allocates a Cache with room for capacity frames.
func NewCache(capacity int, dev device.Reactor, tr Translator, m *metrics.BufferCacheMetrics) *Cache {
	c := &Cache{
		capacity:   capacity,
		byKey:      make(map[uint64]*Entry, capacity),
		unused:     list.New(),
		refList:    list.New(),
		clean:      list.New(),
		dirty:      list.New(),
		flushing:   list.New(),
		dev:        dev,
		translator: tr,
		metrics:    m,
	}
	for i := 0; i < capacity; i++ {
		e := &Entry{list: ListUnused}
		e.elem = c.unused.PushBack(e)
	}
	return c
}

func (c *Cache) listFor(t ListType) *list.List {
	switch t {
	case ListUnused:
		return c.unused
	case ListRef:
		return c.refList
	case ListClean:
		return c.clean
	case ListDirty:
		return c.dirty
	case ListFlushing:
		return c.flushing
	}
	return nil
}

func (c *Cache) moveTo(e *Entry, t ListType) {
	if e.elem != nil {
		c.listFor(e.list).Remove(e.elem)
	}
	e.list = t
	e.elem = c.listFor(t).PushBack(e)
}

// evictVictim picks an entry to reuse per spec.md §4.1's eviction policy:
// UNUSED first, then CLEAN from the LRU tail; if both are empty the caller
// must force a flush and retry.
func (c *Cache) evictVictim() *Entry {
	if c.unused.Len() > 0 {
		e := c.unused.Front().Value.(*Entry)
		c.unused.Remove(c.unused.Front())
		e.elem = nil
		return e
	}
	if c.clean.Len() > 0 {
		e := c.clean.Front().Value.(*Entry)
		c.clean.Remove(c.clean.Front())
		e.elem = nil
		delete(c.byKey, e.key)
		return e
	}
	return nil
}

// Lookup returns the cached entry for key, if resident, bumping it to the
// REF list and its ref count. It does not allocate.
func (c *Cache) Lookup(key uint64) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[key]
	if !ok {
		return nil
	}
	e.ref++
	c.moveTo(e, ListRef)
	return e
}

// GetBH implements get_bh (spec.md §4.1): look up by key; on miss, evict a
// victim, rebind it, translate the logical block to a physical cluster,
// and — if sync_read is set and the frame was not already loaded — issue a
// blocking read. create is forwarded to the translator so a write to an
// unallocated (hole) logical block can allocate its backing branch instead
// of failing; reads of a hole should pass create=false and handle the
// resulting nverrors.ErrNotFound by zero-filling instead of touching the
// device.
func (c *Cache) GetBH(ctx context.Context, ino, lbn uint32, isMeta bool, syncRead bool) (*Entry, error) {
	return c.getBH(ctx, ino, lbn, isMeta, syncRead, false)
}

// GetBHForWrite is GetBH with create=true: the translator may allocate a
// new branch (and any intermediate indirect pointer blocks) to satisfy it.
func (c *Cache) GetBHForWrite(ctx context.Context, ino, lbn uint32, isMeta bool, syncRead bool) (*Entry, error) {
	return c.getBH(ctx, ino, lbn, isMeta, syncRead, true)
}

func (c *Cache) getBH(ctx context.Context, ino, lbn uint32, isMeta bool, syncRead bool, create bool) (*Entry, error) {
	bt := layout.BufferData
	if isMeta {
		bt = layout.BufferMeta
	}
	key := layout.BCKey(bt, ino, lbn)

	if e := c.Lookup(key); e != nil {
		c.metrics.Hit()
		return e, nil
	}
	c.metrics.Miss()

	c.mu.Lock()
	e := c.evictVictim()
	if e == nil {
		c.mu.Unlock()
		if err := c.forceFlush(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		e = c.evictVictim()
		if e == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("buffercache: get_bh: %w", nverrors.ErrBufferExhausted)
		}
	}

	pbn, err := c.translator.Translate(ctx, ino, lbn, create)
	if err != nil {
		// Leave the entry unused; do not mark loaded.
		e.list = ListUnused
		e.elem = c.unused.PushBack(e)
		c.mu.Unlock()
		return nil, err
	}

	e.key = key
	e.Ino = ino
	e.LBN = lbn
	e.PNO = pbn
	e.dirty = false
	e.load = false
	e.ref = 1
	c.byKey[key] = e
	c.moveTo(e, ListRef)
	c.mu.Unlock()

	if syncRead {
		if err := c.dev.SyncRead(ctx, int64(pbn)*layout.ClusterSize, e.Buf[:]); err != nil {
			c.mu.Lock()
			delete(c.byKey, key)
			e.ref = 0
			c.moveTo(e, ListUnused)
			c.mu.Unlock()
			return nil, fmt.Errorf("buffercache: get_bh: sync read: %w", err)
		}
		e.load = true
	}
	return e, nil
}

// GetNewBH implements get_new_bh: like GetBH but zeroes the frame and
// marks it dirty immediately, skipping the read (used when a write fully
// overwrites a cluster). It always allocates (create=true) since callers
// use it precisely when a logical block has no backing cluster yet.
func (c *Cache) GetNewBH(ctx context.Context, ino, lbn uint32, isMeta bool) (*Entry, error) {
	e, err := c.getBH(ctx, ino, lbn, isMeta, false, true)
	if err != nil {
		return nil, err
	}
	for i := range e.Buf {
		e.Buf[i] = 0
	}
	e.load = true
	e.dirty = true
	return e, nil
}

// MarkDirty implements mark_dirty_bh.
func (c *Cache) MarkDirty(e *Entry) {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// Release implements release_bh: decrement ref and move the entry to
// DIRTY, CLEAN, or back to REF, per spec.md §4.1. It reports whether the
// entry is dirty so the caller (ictx) can decide whether to attach it to
// its dirty lists.
func (c *Cache) Release(e *Entry, dirty bool) (isDirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dirty {
		e.dirty = true
	}
	e.ref--
	if e.ref > 0 {
		return e.dirty
	}
	if e.dirty {
		c.moveTo(e, ListDirty)
	} else {
		c.moveTo(e, ListClean)
	}
	return e.dirty
}

// forceFlush drains up to AIO_MAX_QDEPTH dirty buffers synchronously, used
// only when eviction finds neither UNUSED nor CLEAN frames available
// (spec.md §4.1's eviction policy, §7's buffer-exhaustion error path).
func (c *Cache) forceFlush(ctx context.Context) error {
	const maxPerPass = 64 // AIO_MAX_QDEPTH-scale batch, see aio package
	c.mu.Lock()
	var victims []*Entry
	for el := c.dirty.Front(); el != nil && len(victims) < maxPerPass; el = el.Next() {
		victims = append(victims, el.Value.(*Entry))
	}
	c.mu.Unlock()
	if len(victims) == 0 {
		return fmt.Errorf("buffercache: force flush: %w", nverrors.ErrBufferExhausted)
	}
	for _, e := range victims {
		if err := c.writeBack(ctx, e); err != nil {
			return err
		}
	}
	return c.dev.Flush(ctx)
}

// writeBack persists one dirty entry and moves it to CLEAN.
func (c *Cache) writeBack(ctx context.Context, e *Entry) error {
	c.mu.Lock()
	c.moveTo(e, ListFlushing)
	c.mu.Unlock()

	err := c.dev.SyncWrite(ctx, int64(e.PNO)*layout.ClusterSize, e.Buf[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// Per spec.md §7, a write failure surfaces as an error instead
		// of the original implementation's abort(); the entry stays
		// dirty so a later pass retries it.
		c.moveTo(e, ListDirty)
		return fmt.Errorf("buffercache: writeback pno=%d: %w", e.PNO, nverrors.ErrIO)
	}
	e.dirty = false
	c.moveTo(e, ListClean)
	return nil
}

// FlushAll persists every dirty entry, in no particular cross-entry order,
// then issues a device flush (FUA). Used by fsync and clean unmount.
func (c *Cache) FlushAll(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.dirty.Len() == 0 {
			c.mu.Unlock()
			break
		}
		e := c.dirty.Front().Value.(*Entry)
		c.mu.Unlock()
		if err := c.writeBack(ctx, e); err != nil {
			return err
		}
	}
	return c.dev.Flush(ctx)
}

// DirtyCount returns the number of entries currently on the DIRTY list,
// used by the caller to decide when to invoke check_flush_dirty against
// the NVFUSE_SYNC_DIRTY_COUNT watermark (spec.md §4.1).
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.Len()
}
