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

package bptree

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvfuse/nvfuse/blockgroup"
	"github.com/nvfuse/nvfuse/buffercache"
	"github.com/nvfuse/nvfuse/device"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/indirect"
	"github.com/nvfuse/nvfuse/itable"
	"github.com/nvfuse/nvfuse/layout"
	"github.com/nvfuse/nvfuse/metrics"
)

const testMaxInodesPerBG = 32
const bpIno = layout.FirstFreeIno

type fakeBitmapSource struct {
	ibitmap map[uint32][]byte
	dbitmap map[uint32][]byte
}

func newFakeBitmapSource(descs []*blockgroup.Descriptor) *fakeBitmapSource {
	s := &fakeBitmapSource{ibitmap: map[uint32][]byte{}, dbitmap: map[uint32][]byte{}}
	for _, d := range descs {
		s.ibitmap[d.ID] = make([]byte, (d.MaxInodes+7)/8)
		s.dbitmap[d.ID] = make([]byte, (d.MaxBlocks+7)/8)
	}
	return s
}

func (s *fakeBitmapSource) InodeBitmap(bg uint32) ([]byte, error) { return s.ibitmap[bg], nil }
func (s *fakeBitmapSource) DataBitmap(bg uint32) ([]byte, error)  { return s.dbitmap[bg], nil }
func (s *fakeBitmapSource) MarkDirty(bg uint32, isInode bool) error { return nil }

// newTestTree builds a Tree over its own freshly-formatted single-BG stack,
// with bpIno already resident as a new, empty inode context.
func newTestTree(t *testing.T) (*Tree, *ictx.Cache) {
	t.Helper()
	dev, err := device.OpenSimDevice(filepath.Join(t.TempDir(), "nvfuse.img"), layout.BlockGroupSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	desc := blockgroup.NewDescriptor(0, 0, testMaxInodesPerBG, layout.ClustersPerBlockGroup)
	descs := []*blockgroup.Descriptor{desc}
	alloc := blockgroup.NewAllocator(descs, newFakeBitmapSource(descs))

	reg := metrics.NewNoop()
	tr := itable.New(descs, testMaxInodesPerBG, nil)
	bc := buffercache.NewCache(256, dev, tr, reg.Buffer)
	ic := ictx.NewCache(16, bc)
	rv := indirect.NewResolver(bc, alloc, ic, testMaxInodesPerBG)
	tr.Data = rv

	ctx := context.Background()
	fic, err := ic.New(ctx, bpIno, layout.TypeBPTree, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)

	return New(bpIno, bc, ic), ic
}

func TestHashNameIsDeterministic(t *testing.T) {
	assert.Equal(t, HashName("foo"), HashName("foo"))
}

func TestHashNameDiffersAcrossNames(t *testing.T) {
	assert.NotEqual(t, HashName("foo"), HashName("bar"))
}

func TestSlotPacksAndUnpacksCollisionAndDentryIndex(t *testing.T) {
	s := MakeSlot(3, 12345)
	assert.Equal(t, uint32(3), s.Collision())
	assert.Equal(t, uint32(12345), s.DentryIndex())
}

func TestInsertThenLookupRoundTrip(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	key := HashName("alpha")
	require.NoError(t, tree.Insert(ctx, key, 7))

	slots, err := tree.Lookup(ctx, key)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, uint32(7), slots[0].DentryIndex())
	assert.Zero(t, slots[0].Collision())
}

func TestLookupMissingKeyReturnsEmpty(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	slots, err := tree.Lookup(ctx, HashName("nope"))
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestInsertManyEntriesForcesSplitAndAllSurviveLookup(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	const n = 500 // comfortably larger than one node's fanout
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("file%04d", i)
		require.NoError(t, tree.Insert(ctx, HashName(names[i]), uint32(i)))
	}

	for i, name := range names {
		slots, err := tree.Lookup(ctx, HashName(name))
		require.NoError(t, err)
		require.NotEmptyf(t, slots, "lookup of %q after %d inserts", name, n)

		found := false
		for _, s := range slots {
			if s.DentryIndex() == uint32(i) {
				found = true
			}
		}
		assert.Truef(t, found, "dentry index %d for %q not among returned slots", i, name)
	}
}

func TestInsertCollisionIncrementsCollisionCounter(t *testing.T) {
	tree, ic := newTestTree(t)
	ctx := context.Background()

	// Force a collision by inserting the same key twice with different
	// dentry indices, bypassing HashName.
	const key Key = 0xDEADBEEFCAFEBABE
	require.NoError(t, tree.Insert(ctx, key, 1))
	require.NoError(t, tree.Insert(ctx, key, 2))

	slots, err := tree.Lookup(ctx, key)
	require.NoError(t, err)
	require.Len(t, slots, 2)

	collisions := map[uint32]bool{}
	for _, s := range slots {
		collisions[s.Collision()] = true
	}
	assert.True(t, collisions[0])
	assert.True(t, collisions[1], "second insert of a colliding key should bump the collision counter")
	_ = ic
}

func TestDeleteRemovesOnlyMatchingSlot(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	key := HashName("gamma")
	require.NoError(t, tree.Insert(ctx, key, 1))
	slots, err := tree.Lookup(ctx, key)
	require.NoError(t, err)
	require.Len(t, slots, 1)

	require.NoError(t, tree.Delete(ctx, key, slots[0]))

	after, err := tree.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestDeleteMissingKeyReturnsNotFound(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	err := tree.Delete(ctx, HashName("never-inserted"), MakeSlot(0, 0))
	assert.ErrorIs(t, err, nverrors.ErrNotFound)
}

// TestDeleteBulkTriggersMergeAndRootShrink forces a multi-leaf tree (same
// entry count as TestInsertManyEntriesForcesSplitAndAllSurviveLookup, which
// observes the split), then removes most of it so leaves underflow and
// merge back together, exercising Delete's rebalancing path including a
// root that collapses back down to a single leaf.
func TestDeleteBulkTriggersMergeAndRootShrink(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	const n = 500
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("file%04d", i)
		require.NoError(t, tree.Insert(ctx, HashName(names[i]), uint32(i)))
	}

	const kept = 10
	for i := kept; i < n; i++ {
		key := HashName(names[i])
		slots, err := tree.Lookup(ctx, key)
		require.NoError(t, err)
		require.NotEmpty(t, slots)
		require.NoError(t, tree.Delete(ctx, key, slots[0]))
	}

	for i := 0; i < kept; i++ {
		slots, err := tree.Lookup(ctx, HashName(names[i]))
		require.NoError(t, err)
		require.NotEmptyf(t, slots, "surviving entry %q should still be found after bulk delete", names[i])
	}
	for i := kept; i < n; i++ {
		slots, err := tree.Lookup(ctx, HashName(names[i]))
		require.NoError(t, err)
		assert.Emptyf(t, slots, "deleted entry %q should no longer be found", names[i])
	}
}
