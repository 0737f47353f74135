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

// Package bptree implements the per-directory B+-tree name index (spec.md
// §4.5): a 64-bit hashed key maps a filename to a 32-bit slot encoding a
// collision count and a dentry-block index. Tree nodes live as ordinary
// data blocks of the directory's dedicated B+-tree inode (BPIno), so
// allocation and physical addressing come for free from the indirect block
// map — inserting a new node is just extending that inode's data the way
// any other write would.
package bptree

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nvfuse/nvfuse/buffercache"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/layout"
)

// Key is the 64-bit hashed index key: crc32c(name) in the high 32 bits,
// crc32c(reversed name) in the low 32 bits. Two independent hashes of the
// same name make an accidental full-key collision between different names
// astronomically unlikely while keeping the key a fixed 64 bits, matching
// the two-hash scheme nvfuse_dirhash.h uses for its major/minor hash pair.
type Key uint64

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// HashName computes the index key for a filename.
func HashName(name string) Key {
	h1 := crc32.Checksum([]byte(name), castagnoli)
	rev := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		rev[i] = name[len(name)-1-i]
	}
	h2 := crc32.Checksum(rev, castagnoli)
	return Key(uint64(h1)<<32 | uint64(h2))
}

// Slot packs a collision index and a dentry-block index into the 32-bit
// value a leaf entry stores, per spec.md §4.5: slot =
// (collision_count<<26) | dentry_index.
type Slot uint32

const collisionShift = 26

func MakeSlot(collision uint32, dentryIndex uint32) Slot {
	return Slot(collision<<collisionShift | (dentryIndex & (1<<collisionShift - 1)))
}

func (s Slot) Collision() uint32    { return uint32(s) >> collisionShift }
func (s Slot) DentryIndex() uint32  { return uint32(s) & (1<<collisionShift - 1) }

const (
	headerSize = 16
	keySize    = 8
	ptrSize    = 4
	entrySize  = keySize + ptrSize
	// fanout bounds both leaf (key,slot) pairs and internal (key,child)
	// pairs within one ClusterSize node, reserving one extra pointer slot
	// for an internal node's rightmost child.
	fanout = (layout.ClusterSize - headerSize - ptrSize) / entrySize
)

// node is the decoded, in-memory form of one tree node. Internal nodes
// store len(keys)+1 children; leaves store len(keys) slots and chain to
// their right sibling via next.
type node struct {
	lbn    uint32
	leaf   bool
	next   uint32
	keys   []Key
	childr []uint32 // internal: children, len == len(keys)+1
	slots  []Slot   // leaf: values, len == len(keys)
}

func decodeNode(buf []byte, lbn uint32) *node {
	n := &node{lbn: lbn}
	n.leaf = buf[0] != 0
	numKeys := int(binary.LittleEndian.Uint16(buf[2:]))
	n.next = binary.LittleEndian.Uint32(buf[4:])
	n.keys = make([]Key, numKeys)
	off := headerSize
	for i := 0; i < numKeys; i++ {
		n.keys[i] = Key(binary.LittleEndian.Uint64(buf[off:]))
		off += keySize
	}
	if n.leaf {
		n.slots = make([]Slot, numKeys)
		for i := 0; i < numKeys; i++ {
			n.slots[i] = Slot(binary.LittleEndian.Uint32(buf[off:]))
			off += ptrSize
		}
	} else {
		n.childr = make([]uint32, numKeys+1)
		for i := 0; i < numKeys+1; i++ {
			n.childr[i] = binary.LittleEndian.Uint32(buf[off:])
			off += ptrSize
		}
	}
	return n
}

func (n *node) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	if n.leaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[4:], n.next)
	off := headerSize
	for _, k := range n.keys {
		binary.LittleEndian.PutUint64(buf[off:], uint64(k))
		off += keySize
	}
	if n.leaf {
		for _, s := range n.slots {
			binary.LittleEndian.PutUint32(buf[off:], uint32(s))
			off += ptrSize
		}
	} else {
		for _, c := range n.childr {
			binary.LittleEndian.PutUint32(buf[off:], c)
			off += ptrSize
		}
	}
}

func (n *node) full() bool { return len(n.keys) >= fanout }

// Tree is one directory's B+-tree index, addressed through bpIno's data
// blocks. The root node's logical block number is persisted in the
// BPIno inode's Ptr field — a B+-tree inode never uses Ptr for the
// directory write-cursor meaning that field otherwise carries.
type Tree struct {
	bpIno uint32
	bc    *buffercache.Cache
	ic    *ictx.Cache
}

func New(bpIno uint32, bc *buffercache.Cache, ic *ictx.Cache) *Tree {
	return &Tree{bpIno: bpIno, bc: bc, ic: ic}
}

func (t *Tree) readNode(ctx context.Context, lbn uint32) (*node, error) {
	bh, err := t.bc.GetBH(ctx, t.bpIno, lbn, false, true)
	if err != nil {
		return nil, fmt.Errorf("bptree: read node %d: %w", lbn, err)
	}
	n := decodeNode(bh.Buf[:], lbn)
	t.bc.Release(bh, false)
	return n, nil
}

func (t *Tree) writeNode(ctx context.Context, n *node) error {
	bh, err := t.bc.GetBH(ctx, t.bpIno, n.lbn, false, true)
	if err != nil {
		return fmt.Errorf("bptree: write node %d: %w", n.lbn, err)
	}
	n.encode(bh.Buf[:])
	t.bc.MarkDirty(bh)
	t.bc.Release(bh, true)
	return nil
}

// allocNode appends a fresh, zeroed node to the BPIno inode's data and
// returns its logical block number.
func (t *Tree) allocNode(ctx context.Context, ictxEntry *ictx.Context, leaf bool) (*node, error) {
	lbn := uint32(ictxEntry.Inode.Size / layout.ClusterSize)
	bh, err := t.bc.GetNewBH(ctx, t.bpIno, lbn, false)
	if err != nil {
		return nil, fmt.Errorf("bptree: alloc node: %w", err)
	}
	t.bc.Release(bh, true)
	ictxEntry.Inode.Size += layout.ClusterSize
	ictxEntry.MarkDirty()
	return &node{lbn: lbn, leaf: leaf}, nil
}

func (t *Tree) rootLBN(ictxEntry *ictx.Context) uint32 { return ictxEntry.Inode.Ptr }

func (t *Tree) setRoot(ictxEntry *ictx.Context, lbn uint32) {
	ictxEntry.Inode.Ptr = lbn
	ictxEntry.MarkDirty()
}

// Lookup returns every leaf slot stored under key — normally zero or one,
// more than one only when distinct names hash to the same 64-bit key. The
// caller (directory layer) resolves collisions by reading each candidate's
// dentry and comparing the actual filename.
func (t *Tree) Lookup(ctx context.Context, key Key) ([]Slot, error) {
	ic, err := t.ic.Get(ctx, t.bpIno)
	if err != nil {
		return nil, err
	}
	defer t.ic.Release(ic)

	if ic.Inode.Size == 0 {
		return nil, nil
	}

	lbn := t.rootLBN(ic)
	for {
		n, err := t.readNode(ctx, lbn)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			var out []Slot
			for i, k := range n.keys {
				if k == key {
					out = append(out, n.slots[i])
				}
			}
			return out, nil
		}
		lbn = n.childr[childIndex(n.keys, key)]
	}
}

// childIndex returns the index of the child to descend into for key: the
// first child whose separator key is > key (standard B+-tree descent).
func childIndex(keys []Key, key Key) int {
	i := 0
	for i < len(keys) && key >= keys[i] {
		i++
	}
	return i
}

// Insert implements the B+-tree insert/split/propagate-median algorithm
// (spec.md §4.5). When a key collision occurs (an existing entry with the
// same key but a different dentry index — i.e. a different name sharing a
// hash), the new entry's collision counter is set one past the highest
// seen so far for that key.
func (t *Tree) Insert(ctx context.Context, key Key, dentryIndex uint32) error {
	ic, err := t.ic.Get(ctx, t.bpIno)
	if err != nil {
		return err
	}
	defer t.ic.Release(ic)

	if ic.Inode.Size == 0 {
		root, err := t.allocNode(ctx, ic, true)
		if err != nil {
			return err
		}
		t.setRoot(ic, root.lbn)
	}

	collision, err := t.nextCollision(ctx, ic, key)
	if err != nil {
		return err
	}
	slot := MakeSlot(collision, dentryIndex)

	medianKey, newRightLBN, err := t.insertInto(ctx, ic, t.rootLBN(ic), key, slot)
	if err != nil {
		return err
	}
	if newRightLBN != 0 {
		// Root split: allocate a new internal root over the old root and
		// the freshly split-off right sibling.
		newRoot, err := t.allocNode(ctx, ic, false)
		if err != nil {
			return err
		}
		newRoot.keys = []Key{medianKey}
		newRoot.childr = []uint32{t.rootLBN(ic), newRightLBN}
		if err := t.writeNode(ctx, newRoot); err != nil {
			return err
		}
		t.setRoot(ic, newRoot.lbn)
	}
	return nil
}

func (t *Tree) nextCollision(ctx context.Context, ic *ictx.Context, key Key) (uint32, error) {
	lbn := t.rootLBN(ic)
	var maxSeen int64 = -1
	for {
		n, err := t.readNode(ctx, lbn)
		if err != nil {
			return 0, err
		}
		if n.leaf {
			for i, k := range n.keys {
				if k == key {
					c := int64(n.slots[i].Collision())
					if c > maxSeen {
						maxSeen = c
					}
				}
			}
			break
		}
		lbn = n.childr[childIndex(n.keys, key)]
	}
	return uint32(maxSeen + 1), nil
}

// insertInto recursively descends to the leaf for key, inserts it (already
// encoded as slot), and splits any node that overflows, returning the
// median key and new right sibling's lbn when a split propagates up to the
// caller (both zero if no split occurred at this level).
func (t *Tree) insertInto(ctx context.Context, ic *ictx.Context, lbn uint32, key Key, slot Slot) (Key, uint32, error) {
	n, err := t.readNode(ctx, lbn)
	if err != nil {
		return 0, 0, err
	}

	if n.leaf {
		insertLeafEntry(n, key, slot)
		if !n.full() {
			return 0, 0, t.writeNode(ctx, n)
		}
		return t.splitLeaf(ctx, ic, n)
	}

	childLBN := n.childr[childIndex(n.keys, key)]
	medianKey, newRightLBN, err := t.insertInto(ctx, ic, childLBN, key, slot)
	if err != nil {
		return 0, 0, err
	}
	if newRightLBN == 0 {
		return 0, 0, nil
	}

	insertInternalEntry(n, medianKey, newRightLBN)
	if !n.full() {
		return 0, 0, t.writeNode(ctx, n)
	}
	return t.splitInternal(ctx, ic, n)
}

func insertLeafEntry(n *node, key Key, slot Slot) {
	i := 0
	for i < len(n.keys) && key >= n.keys[i] {
		i++
	}
	n.keys = append(n.keys, 0)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key
	n.slots = append(n.slots, 0)
	copy(n.slots[i+1:], n.slots[i:])
	n.slots[i] = slot
}

func insertInternalEntry(n *node, medianKey Key, rightChild uint32) {
	i := childIndex(n.keys, medianKey)
	n.keys = append(n.keys, 0)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = medianKey
	n.childr = append(n.childr, 0)
	copy(n.childr[i+2:], n.childr[i+1:])
	n.childr[i+1] = rightChild
}

func (t *Tree) splitLeaf(ctx context.Context, ic *ictx.Context, n *node) (Key, uint32, error) {
	mid := len(n.keys) / 2
	right, err := t.allocNode(ctx, ic, true)
	if err != nil {
		return 0, 0, err
	}
	right.keys = append([]Key(nil), n.keys[mid:]...)
	right.slots = append([]Slot(nil), n.slots[mid:]...)
	right.next = n.next

	n.keys = n.keys[:mid]
	n.slots = n.slots[:mid]
	n.next = right.lbn

	if err := t.writeNode(ctx, right); err != nil {
		return 0, 0, err
	}
	if err := t.writeNode(ctx, n); err != nil {
		return 0, 0, err
	}
	// The median key is copied up (not removed from the leaf level) so
	// every key remains reachable by a leaf-level scan.
	return right.keys[0], right.lbn, nil
}

func (t *Tree) splitInternal(ctx context.Context, ic *ictx.Context, n *node) (Key, uint32, error) {
	mid := len(n.keys) / 2
	medianKey := n.keys[mid]

	right, err := t.allocNode(ctx, ic, false)
	if err != nil {
		return 0, 0, err
	}
	right.keys = append([]Key(nil), n.keys[mid+1:]...)
	right.childr = append([]uint32(nil), n.childr[mid+1:]...)

	n.keys = n.keys[:mid]
	n.childr = n.childr[:mid+1]

	if err := t.writeNode(ctx, right); err != nil {
		return 0, 0, err
	}
	if err := t.writeNode(ctx, n); err != nil {
		return 0, 0, err
	}
	// Unlike a leaf split, the median key at an internal level moves up
	// entirely — it is not duplicated into the right node.
	return medianKey, right.lbn, nil
}

// minKeys is the fewest keys a non-root node may hold after a delete
// before it is merged with a sibling, per spec.md §4.5's rebalancing rule.
const minKeys = fanout / 2

func underflowed(n *node) bool { return len(n.keys) < minKeys }

// Delete removes the single leaf entry matching (key, slot) exactly,
// rebalancing underfull nodes on the way back up: a child left with fewer
// than minKeys entries is merged into an adjacent sibling (preferring the
// right sibling, falling back to the left), and the separator key that
// routed to it is removed from the parent — which can itself underflow
// and merge again, all the way up to a root that collapses to its sole
// remaining child (spec.md §4.5's root-shrink case). This implements
// merge only, not borrow/redistribute from a sibling that has room to
// spare: a directory's B+-tree only shrinks when entries are removed, and
// an occasional merge that leaves a sibling pair below the midpoint
// (rather than perfectly balanced) costs index-metadata space, not
// correctness — an acceptable simplification for this implementation
// (see the grounding ledger). A pair whose combined entries would fill a
// node is not merged; the underfull child is left as it is. A merged-away
// sibling's cluster is left allocated rather than reclaimed, same
// simplification.
func (t *Tree) Delete(ctx context.Context, key Key, slot Slot) error {
	ic, err := t.ic.Get(ctx, t.bpIno)
	if err != nil {
		return err
	}
	defer t.ic.Release(ic)

	if ic.Inode.Size == 0 {
		return fmt.Errorf("bptree: delete: %w", nverrors.ErrNotFound)
	}

	root, err := t.readNode(ctx, t.rootLBN(ic))
	if err != nil {
		return err
	}
	found, err := t.deleteRec(ctx, root, key, slot)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("bptree: delete: %w", nverrors.ErrNotFound)
	}

	if !root.leaf && len(root.keys) == 0 {
		t.setRoot(ic, root.childr[0])
	}
	return nil
}

// deleteRec removes (key, slot) from the subtree rooted at n, merging any
// child that underflows as a result. n itself is written back to disk
// before returning whenever the key was found beneath it; the caller (n's
// own parent, or Delete for the root) is responsible for checking whether
// n itself now underflows.
func (t *Tree) deleteRec(ctx context.Context, n *node, key Key, slot Slot) (bool, error) {
	if n.leaf {
		for i, k := range n.keys {
			if k == key && n.slots[i] == slot {
				n.keys = append(n.keys[:i], n.keys[i+1:]...)
				n.slots = append(n.slots[:i], n.slots[i+1:]...)
				return true, t.writeNode(ctx, n)
			}
		}
		return false, nil
	}

	i := childIndex(n.keys, key)
	child, err := t.readNode(ctx, n.childr[i])
	if err != nil {
		return false, err
	}
	found, err := t.deleteRec(ctx, child, key, slot)
	if err != nil || !found {
		return found, err
	}

	if underflowed(child) {
		if err := t.mergeChild(ctx, n, child, i); err != nil {
			return true, err
		}
	}
	return true, t.writeNode(ctx, n)
}

// mergeChild absorbs n's child at index i — which has just underflowed —
// into an adjacent sibling, removing the separator key and child pointer
// that routed to the merged-away node from n. Prefers the right sibling,
// falling back to the left; a non-root internal node always has at least
// one or the other since it holds at least minKeys+1 >= 2 children. The
// merge is skipped when the pair would not fit below fanout in one node.
func (t *Tree) mergeChild(ctx context.Context, n *node, child *node, i int) error {
	sep := 0
	if !child.leaf {
		sep = 1 // the parent separator folded into an internal merge
	}
	if i+1 < len(n.childr) {
		right, err := t.readNode(ctx, n.childr[i+1])
		if err != nil {
			return err
		}
		if len(child.keys)+len(right.keys)+sep >= fanout {
			return nil
		}
		if err := t.mergeNodes(ctx, child, right, n.keys[i]); err != nil {
			return err
		}
		n.keys = append(n.keys[:i], n.keys[i+1:]...)
		n.childr = append(n.childr[:i+1], n.childr[i+2:]...)
		return nil
	}

	left, err := t.readNode(ctx, n.childr[i-1])
	if err != nil {
		return err
	}
	if len(left.keys)+len(child.keys)+sep >= fanout {
		return nil
	}
	if err := t.mergeNodes(ctx, left, child, n.keys[i-1]); err != nil {
		return err
	}
	n.keys = append(n.keys[:i-1], n.keys[i:]...)
	n.childr = append(n.childr[:i], n.childr[i+1:]...)
	return nil
}

// mergeNodes appends right's entries onto left and persists left; right's
// own cluster is left behind, unreferenced. sep is the parent separator
// key between left and right, folded back into left for an internal
// merge (a leaf merge needs no separator — every key already lives in a
// leaf).
func (t *Tree) mergeNodes(ctx context.Context, left, right *node, sep Key) error {
	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.slots = append(left.slots, right.slots...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, sep)
		left.keys = append(left.keys, right.keys...)
		left.childr = append(left.childr, right.childr...)
	}
	return t.writeNode(ctx, left)
}
