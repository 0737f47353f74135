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

package indirect

import (
	"context"
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
	"github.com/nvfuse/nvfuse/itable"
	"github.com/nvfuse/nvfuse/layout"
	"github.com/nvfuse/nvfuse/metrics"
)

const testMaxInodesPerBG = 32

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

func newTestResolver(t *testing.T) (*Resolver, *ictx.Cache) {
	t.Helper()
	dev, err := device.OpenSimDevice(filepath.Join(t.TempDir(), "nvfuse.img"), layout.BlockGroupSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	desc := blockgroup.NewDescriptor(0, 0, testMaxInodesPerBG, layout.ClustersPerBlockGroup)
	descs := []*blockgroup.Descriptor{desc}
	alloc := blockgroup.NewAllocator(descs, newFakeBitmapSource(descs))

	reg := metrics.NewNoop()
	tr := itable.New(descs, testMaxInodesPerBG, nil)
	bc := buffercache.NewCache(64, dev, tr, reg.Buffer)
	ic := ictx.NewCache(16, bc)
	rv := NewResolver(bc, alloc, ic, testMaxInodesPerBG)
	tr.Data = rv
	return rv, ic
}

func TestResolveReadMissingBlockWithoutCreateReturnsNotFound(t *testing.T) {
	rv, ic := newTestResolver(t)
	ctx := context.Background()
	fic, err := ic.New(ctx, layout.FirstFreeIno, layout.TypeFile, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)

	_, err = rv.Resolve(ctx, layout.FirstFreeIno, 0, false)
	assert.ErrorIs(t, err, nverrors.ErrNotFound)
}

func TestResolveRoundTripDirectBlock(t *testing.T) {
	rv, ic := newTestResolver(t)
	ctx := context.Background()
	fic, err := ic.New(ctx, layout.FirstFreeIno, layout.TypeFile, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)

	pbn1, err := rv.Resolve(ctx, layout.FirstFreeIno, 0, true)
	require.NoError(t, err)
	require.NotZero(t, pbn1)

	pbn2, err := rv.Resolve(ctx, layout.FirstFreeIno, 0, false)
	require.NoError(t, err)
	assert.Equal(t, pbn1, pbn2, "repeated resolve of the same lbn must return the same pbn")
}

func TestResolveRoundTripThroughSingleIndirect(t *testing.T) {
	rv, ic := newTestResolver(t)
	ctx := context.Background()
	fic, err := ic.New(ctx, layout.FirstFreeIno, layout.TypeFile, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)

	// First block beyond the direct range forces allocation of a single
	// indirect pointer block.
	lbn := uint32(layout.DirectBlocks)
	pbn1, err := rv.Resolve(ctx, layout.FirstFreeIno, lbn, true)
	require.NoError(t, err)
	require.NotZero(t, pbn1)

	pbn2, err := rv.Resolve(ctx, layout.FirstFreeIno, lbn, false)
	require.NoError(t, err)
	assert.Equal(t, pbn1, pbn2)
}

func TestResolveDistinctLogicalBlocksGetDistinctPhysicalBlocks(t *testing.T) {
	rv, ic := newTestResolver(t)
	ctx := context.Background()
	fic, err := ic.New(ctx, layout.FirstFreeIno, layout.TypeFile, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)

	seen := map[uint32]bool{}
	for lbn := uint32(0); lbn < layout.DirectBlocks+2; lbn++ {
		pbn, err := rv.Resolve(ctx, layout.FirstFreeIno, lbn, true)
		require.NoError(t, err)
		require.False(t, seen[pbn], "lbn %d collided on pbn %d", lbn, pbn)
		seen[pbn] = true
	}
}

func TestTruncateToZeroClearsAllDirectPointers(t *testing.T) {
	rv, ic := newTestResolver(t)
	ctx := context.Background()
	fic, err := ic.New(ctx, layout.FirstFreeIno, layout.TypeFile, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)

	for lbn := uint32(0); lbn < 3; lbn++ {
		_, err := rv.Resolve(ctx, layout.FirstFreeIno, lbn, true)
		require.NoError(t, err)
	}

	require.NoError(t, rv.Truncate(ctx, layout.FirstFreeIno, 3*layout.ClusterSize))
	require.NoError(t, rv.Truncate(ctx, layout.FirstFreeIno, 0))

	got, err := ic.Get(ctx, layout.FirstFreeIno)
	require.NoError(t, err)
	for i, p := range got.Inode.IBlocks {
		assert.Zerof(t, p, "i_blocks[%d] should be cleared after truncate(0)", i)
	}
	assert.Zero(t, got.Inode.Size)
	ic.Release(got)

	for lbn := uint32(0); lbn < 3; lbn++ {
		_, err := rv.Resolve(ctx, layout.FirstFreeIno, lbn, false)
		assert.ErrorIs(t, err, nverrors.ErrNotFound)
	}
}

func TestTruncateGrowOnlyUpdatesSize(t *testing.T) {
	rv, ic := newTestResolver(t)
	ctx := context.Background()
	fic, err := ic.New(ctx, layout.FirstFreeIno, layout.TypeFile, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)

	require.NoError(t, rv.Truncate(ctx, layout.FirstFreeIno, 10*layout.ClusterSize))

	got, err := ic.Get(ctx, layout.FirstFreeIno)
	require.NoError(t, err)
	assert.Equal(t, uint64(10*layout.ClusterSize), got.Inode.Size)
	for i, p := range got.Inode.IBlocks {
		assert.Zerof(t, p, "growing must not eagerly allocate i_blocks[%d]", i)
	}
	ic.Release(got)
}
