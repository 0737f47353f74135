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

package namespace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvfuse/nvfuse/blockgroup"
	"github.com/nvfuse/nvfuse/buffercache"
	"github.com/nvfuse/nvfuse/clock"
	"github.com/nvfuse/nvfuse/device"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/indirect"
	"github.com/nvfuse/nvfuse/itable"
	"github.com/nvfuse/nvfuse/layout"
	"github.com/nvfuse/nvfuse/metrics"
)

const testMaxInodesPerBG = 128

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

// newTestNamespace builds a two-block-group stack with the root directory
// already initialized, ready to drive path operations against.
func newTestNamespace(t *testing.T) *Namespace {
	t.Helper()
	dev, err := device.OpenSimDevice(filepath.Join(t.TempDir(), "nvfuse.img"), 2*layout.BlockGroupSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	descs := []*blockgroup.Descriptor{
		blockgroup.NewDescriptor(0, 0, testMaxInodesPerBG, layout.ClustersPerBlockGroup),
		blockgroup.NewDescriptor(1, layout.ClustersPerBlockGroup, testMaxInodesPerBG, layout.ClustersPerBlockGroup),
	}
	alloc := blockgroup.NewAllocator(descs, newFakeBitmapSource(descs))

	reg := metrics.NewNoop()
	tr := itable.New(descs, testMaxInodesPerBG, nil)
	bc := buffercache.NewCache(256, dev, tr, reg.Buffer)
	ic := ictx.NewCache(64, bc)
	rv := indirect.NewResolver(bc, alloc, ic, testMaxInodesPerBG)
	tr.Data = rv

	ns := &Namespace{
		BC:             bc,
		IC:             ic,
		Alloc:          alloc,
		Resolver:       rv,
		Clock:          &clock.FakeClock{},
		MaxInodesPerBG: testMaxInodesPerBG,
	}

	ctx := context.Background()
	fic, err := ic.New(ctx, layout.RootIno, layout.TypeDir, time.Unix(0, 0))
	require.NoError(t, err)
	ic.Release(fic)
	require.NoError(t, ns.dir(layout.RootIno).InitEmpty(ctx, layout.RootIno))

	return ns
}

func TestMkdirThenResolveFindsDirectory(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	ino, err := ns.MkdirPath(ctx, "/sub")
	require.NoError(t, err)

	got, typ, err := ns.Resolve(ctx, "/sub")
	require.NoError(t, err)
	assert.Equal(t, ino, got)
	assert.Equal(t, layout.TypeDir, typ)
}

func TestMkdirNestedPath(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.MkdirPath(ctx, "/a")
	require.NoError(t, err)
	ino, err := ns.MkdirPath(ctx, "/a/b")
	require.NoError(t, err)

	got, typ, err := ns.Resolve(ctx, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, ino, got)
	assert.Equal(t, layout.TypeDir, typ)
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.MkdirPath(ctx, "/a")
	require.NoError(t, err)
	_, err = ns.MkdirPath(ctx, "/a/b")
	require.NoError(t, err)

	err = ns.RmdirPath(ctx, "/a")
	assert.ErrorIs(t, err, nverrors.ErrNotEmpty)
}

func TestRmdirRemovesEmptyDirectory(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.MkdirPath(ctx, "/a")
	require.NoError(t, err)
	require.NoError(t, ns.RmdirPath(ctx, "/a"))

	_, _, err = ns.Resolve(ctx, "/a")
	assert.ErrorIs(t, err, nverrors.ErrNotFound)
}

func TestOpenfilePathCreatesThenReopens(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	ino, err := ns.OpenfilePath(ctx, "/f.txt", true)
	require.NoError(t, err)

	again, err := ns.OpenfilePath(ctx, "/f.txt", false)
	require.NoError(t, err)
	assert.Equal(t, ino, again)
}

func TestOpenfilePathWithoutCreateOnMissingFails(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.OpenfilePath(ctx, "/missing.txt", false)
	assert.ErrorIs(t, err, nverrors.ErrNotFound)
}

func TestOpenfilePathOnDirectoryFails(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.MkdirPath(ctx, "/adir")
	require.NoError(t, err)

	_, err = ns.OpenfilePath(ctx, "/adir", false)
	assert.ErrorIs(t, err, nverrors.ErrIsDirectory)
}

func TestUnlinkRemovesFileAndFreesInode(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.OpenfilePath(ctx, "/f.txt", true)
	require.NoError(t, err)

	require.NoError(t, ns.UnlinkPath(ctx, "/f.txt"))

	_, _, err = ns.Resolve(ctx, "/f.txt")
	assert.ErrorIs(t, err, nverrors.ErrNotFound)
}

// TestUnlinkIsIdempotent exercises spec.md §8's idempotent-unlink property
// at the namespace layer: unlinking an already-removed name fails cleanly
// rather than corrupting state.
func TestUnlinkIsIdempotent(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.OpenfilePath(ctx, "/f.txt", true)
	require.NoError(t, err)
	require.NoError(t, ns.UnlinkPath(ctx, "/f.txt"))

	err = ns.UnlinkPath(ctx, "/f.txt")
	assert.ErrorIs(t, err, nverrors.ErrNotFound)
}

func TestUnlinkOnDirectoryFails(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.MkdirPath(ctx, "/adir")
	require.NoError(t, err)

	err = ns.UnlinkPath(ctx, "/adir")
	assert.ErrorIs(t, err, nverrors.ErrIsDirectory)
}

func TestRenameMovesFileAcrossDirectories(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	ino, err := ns.OpenfilePath(ctx, "/src.txt", true)
	require.NoError(t, err)
	_, err = ns.MkdirPath(ctx, "/dst")
	require.NoError(t, err)

	require.NoError(t, ns.RenamePath(ctx, "/src.txt", "/dst/renamed.txt"))

	_, _, err = ns.Resolve(ctx, "/src.txt")
	assert.ErrorIs(t, err, nverrors.ErrNotFound)

	got, typ, err := ns.Resolve(ctx, "/dst/renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, ino, got)
	assert.Equal(t, layout.TypeFile, typ)
}

func TestRenameOverExistingFileReplacesIt(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	srcIno, err := ns.OpenfilePath(ctx, "/src.txt", true)
	require.NoError(t, err)
	_, err = ns.OpenfilePath(ctx, "/dst.txt", true)
	require.NoError(t, err)

	require.NoError(t, ns.RenamePath(ctx, "/src.txt", "/dst.txt"))

	got, _, err := ns.Resolve(ctx, "/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, srcIno, got)
}

func TestTruncateGrowsFileSize(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.OpenfilePath(ctx, "/f.txt", true)
	require.NoError(t, err)
	require.NoError(t, ns.Truncate(ctx, "/f.txt", 4096))

	ino, _, err := ns.Resolve(ctx, "/f.txt")
	require.NoError(t, err)
	ic, err := ns.IC.Get(ctx, ino)
	require.NoError(t, err)
	defer ns.IC.Release(ic)
	assert.Equal(t, uint64(4096), ic.Inode.Size)
}

func TestSymlinkThenReadlinkRoundTrip(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.Symlink(ctx, "/target/path", "/link")
	require.NoError(t, err)

	target, err := ns.Readlink(ctx, "/link")
	require.NoError(t, err)
	assert.Equal(t, "/target/path", target)
}

func TestReadlinkOnNonSymlinkFails(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.OpenfilePath(ctx, "/f.txt", true)
	require.NoError(t, err)

	_, err = ns.Readlink(ctx, "/f.txt")
	assert.ErrorIs(t, err, nverrors.ErrInvalidArgument)
}

func TestFsyncClearsDirtyState(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	_, err := ns.OpenfilePath(ctx, "/f.txt", true)
	require.NoError(t, err)
	require.Greater(t, ns.IC.DirtyCount(), 0)

	require.NoError(t, ns.Fsync(ctx))
	assert.Equal(t, 0, ns.IC.DirtyCount())
}
