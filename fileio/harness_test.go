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

package fileio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvfuse/nvfuse/blockgroup"
	"github.com/nvfuse/nvfuse/buffercache"
	"github.com/nvfuse/nvfuse/device"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/indirect"
	"github.com/nvfuse/nvfuse/itable"
	"github.com/nvfuse/nvfuse/layout"
	"github.com/nvfuse/nvfuse/metrics"
)

// fakeBitmapSource is the simplest thing satisfying blockgroup.BitmapSource:
// plain in-memory byte slices, sized to the BG's real geometry but never
// touching the device — the same shortcut the allocator's own doc comment
// invites ("so it can be unit tested without a buffer cache").
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

// testHarness bundles one formatted, single-block-group filesystem stack
// backed by a SimDevice, enough to drive fileio.File end to end.
type testHarness struct {
	dev   *device.SimDevice
	bc    *buffercache.Cache
	ic    *ictx.Cache
	alloc *blockgroup.Allocator
	rv    *indirect.Resolver
}

const testMaxInodesPerBG = 32

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dev, err := device.OpenSimDevice(filepath.Join(t.TempDir(), "nvfuse.img"), layout.BlockGroupSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	desc := blockgroup.NewDescriptor(0, 0, testMaxInodesPerBG, layout.ClustersPerBlockGroup)
	descs := []*blockgroup.Descriptor{desc}

	bitmaps := newFakeBitmapSource(descs)
	alloc := blockgroup.NewAllocator(descs, bitmaps)

	reg := metrics.NewNoop()
	tr := itable.New(descs, testMaxInodesPerBG, nil)
	bc := buffercache.NewCache(64, dev, tr, reg.Buffer)
	ic := ictx.NewCache(16, bc)
	rv := indirect.NewResolver(bc, alloc, ic, testMaxInodesPerBG)
	tr.Data = rv

	return &testHarness{dev: dev, bc: bc, ic: ic, alloc: alloc, rv: rv}
}

// newFile creates a fresh in-memory file inode context and a File handle
// bound to it.
func (h *testHarness) newFile(t *testing.T, ctx context.Context, ino uint32) *File {
	t.Helper()
	fic, err := h.ic.New(ctx, ino, layout.TypeFile, time.Unix(0, 0))
	require.NoError(t, err)
	h.ic.Release(fic)
	return New(ino, h.bc, h.ic, h.rv, h.dev)
}
