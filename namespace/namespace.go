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

// Package namespace implements the path-resolution operations a POSIX
// caller drives: openfile_path, mkdir_path, rmdir_path, rename_path,
// unlink_path, truncate and symlink (spec.md §4.6), each built from the
// directory layer's per-component Create/Lookup/Remove.
package namespace

import (
	"context"
	"fmt"
	"strings"

	"github.com/nvfuse/nvfuse/blockgroup"
	"github.com/nvfuse/nvfuse/buffercache"
	"github.com/nvfuse/nvfuse/clock"
	"github.com/nvfuse/nvfuse/directory"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/ictx"
	"github.com/nvfuse/nvfuse/indirect"
	"github.com/nvfuse/nvfuse/layout"
)

// Namespace is the filesystem-wide path resolver, wired to a single
// device's allocator, buffer cache, inode-context cache and indirect
// resolver.
type Namespace struct {
	BC             *buffercache.Cache
	IC             *ictx.Cache
	Alloc          *blockgroup.Allocator
	Resolver       *indirect.Resolver
	Clock          clock.Clock
	MaxInodesPerBG uint32
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (ns *Namespace) dir(ino uint32) *directory.Directory {
	return directory.New(ino, ns.BC, ns.IC, func(ctx context.Context) (uint32, error) {
		treeIno, err := ns.allocInode(ctx, layout.TypeBPTree)
		if err != nil {
			return 0, err
		}
		return treeIno, nil
	}, func(ctx context.Context, newSize uint64) error {
		return ns.Resolver.Truncate(ctx, ino, newSize)
	})
}

// allocInode reserves a fresh inode number and creates its in-memory
// context, marking it dirty for the next flush to persist.
func (ns *Namespace) allocInode(ctx context.Context, typ layout.InodeType) (uint32, error) {
	ino, _, err := ns.Alloc.AllocInode(0, ns.MaxInodesPerBG)
	if err != nil {
		return 0, err
	}
	ic, err := ns.IC.New(ctx, ino, typ, ns.Clock.Now())
	if err != nil {
		return 0, err
	}
	ns.IC.Release(ic)
	return ino, nil
}

// Resolve walks path from the root, component by component, returning the
// final inode number and type.
func (ns *Namespace) Resolve(ctx context.Context, path string) (uint32, layout.InodeType, error) {
	cur := uint32(layout.RootIno)
	curType := layout.TypeDir
	for _, comp := range splitPath(path) {
		if curType != layout.TypeDir {
			return 0, 0, fmt.Errorf("namespace: resolve %q: %w", path, nverrors.ErrNotDirectory)
		}
		ino, typ, err := ns.dir(cur).Lookup(ctx, comp)
		if err != nil {
			return 0, 0, fmt.Errorf("namespace: resolve %q: %w", path, err)
		}
		cur, curType = ino, typ
	}
	return cur, curType, nil
}

// resolveParent splits path into its parent directory inode and final
// path component, failing if the parent does not exist or is not a
// directory.
func (ns *Namespace) resolveParent(ctx context.Context, path string) (parentIno uint32, base string, err error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return 0, "", fmt.Errorf("namespace: %q: %w", path, nverrors.ErrInvalidArgument)
	}
	parentPath := "/" + strings.Join(comps[:len(comps)-1], "/")
	ino, typ, err := ns.Resolve(ctx, parentPath)
	if err != nil {
		return 0, "", err
	}
	if typ != layout.TypeDir {
		return 0, "", fmt.Errorf("namespace: %q: %w", path, nverrors.ErrNotDirectory)
	}
	return ino, comps[len(comps)-1], nil
}

// MkdirPath implements mkdir_path: allocate a directory inode, link it
// into its parent, and initialize its "." and ".." entries.
func (ns *Namespace) MkdirPath(ctx context.Context, path string) (uint32, error) {
	parentIno, base, err := ns.resolveParent(ctx, path)
	if err != nil {
		return 0, err
	}
	childIno, err := ns.allocInode(ctx, layout.TypeDir)
	if err != nil {
		return 0, err
	}
	if err := ns.dir(parentIno).Create(ctx, base, childIno, layout.TypeDir); err != nil {
		return 0, err
	}
	if err := ns.dir(childIno).InitEmpty(ctx, parentIno); err != nil {
		return 0, err
	}
	return childIno, nil
}

// RmdirPath implements rmdir_path: refuse a non-empty directory, then
// unlink it from its parent.
func (ns *Namespace) RmdirPath(ctx context.Context, path string) error {
	ino, typ, err := ns.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if typ != layout.TypeDir {
		return fmt.Errorf("namespace: rmdir %q: %w", path, nverrors.ErrNotDirectory)
	}
	empty, err := ns.dir(ino).IsEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("namespace: rmdir %q: %w", path, nverrors.ErrNotEmpty)
	}

	parentIno, base, err := ns.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	if err := ns.dir(parentIno).Remove(ctx, base); err != nil {
		return err
	}
	return ns.freeInode(ctx, ino)
}

// OpenfilePath implements openfile_path: resolve an existing file, or
// create one when create is set and it does not exist.
func (ns *Namespace) OpenfilePath(ctx context.Context, path string, create bool) (uint32, error) {
	ino, typ, err := ns.Resolve(ctx, path)
	if err == nil {
		if typ != layout.TypeFile {
			return 0, fmt.Errorf("namespace: open %q: %w", path, nverrors.ErrIsDirectory)
		}
		return ino, nil
	}
	if !create {
		return 0, err
	}

	parentIno, base, perr := ns.resolveParent(ctx, path)
	if perr != nil {
		return 0, perr
	}
	childIno, aerr := ns.allocInode(ctx, layout.TypeFile)
	if aerr != nil {
		return 0, aerr
	}
	if err := ns.dir(parentIno).Create(ctx, base, childIno, layout.TypeFile); err != nil {
		return 0, err
	}
	return childIno, nil
}

// UnlinkPath implements unlink_path: remove a non-directory's parent
// dentry and, once its link count reaches zero, release its inode and
// blocks. A directory must go through RmdirPath instead.
func (ns *Namespace) UnlinkPath(ctx context.Context, path string) error {
	ino, typ, err := ns.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if typ == layout.TypeDir {
		return fmt.Errorf("namespace: unlink %q: %w", path, nverrors.ErrIsDirectory)
	}

	parentIno, base, err := ns.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	if err := ns.dir(parentIno).Remove(ctx, base); err != nil {
		return err
	}

	ic, err := ns.IC.Get(ctx, ino)
	if err != nil {
		return err
	}
	if ic.Inode.LinksCount > 0 {
		ic.Inode.LinksCount--
	}
	remaining := ic.Inode.LinksCount
	ic.MarkDirty()
	ns.IC.Release(ic)

	if remaining > 0 {
		return nil
	}
	if err := ns.Resolver.Truncate(ctx, ino, 0); err != nil {
		return err
	}
	return ns.freeInode(ctx, ino)
}

func (ns *Namespace) freeInode(ctx context.Context, ino uint32) error {
	ic, err := ns.IC.Get(ctx, ino)
	if err != nil {
		return err
	}
	ic.Inode.Deleted = true
	ic.MarkDirty()
	ns.IC.Release(ic)
	return ns.Alloc.FreeInode(ino, ns.MaxInodesPerBG)
}

// Truncate implements truncate(2): extend or shrink a regular file's size.
func (ns *Namespace) Truncate(ctx context.Context, path string, size uint64) error {
	ino, typ, err := ns.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if typ != layout.TypeFile {
		return fmt.Errorf("namespace: truncate %q: %w", path, nverrors.ErrIsDirectory)
	}
	return ns.Resolver.Truncate(ctx, ino, size)
}

// RenamePath implements rename_path: link the target name to the source's
// inode in the destination directory, then unlink the source name. If
// newPath already exists as a file it is silently replaced, per POSIX
// rename(2); replacing an existing directory is not supported.
func (ns *Namespace) RenamePath(ctx context.Context, oldPath, newPath string) error {
	srcIno, srcType, err := ns.Resolve(ctx, oldPath)
	if err != nil {
		return err
	}

	dstParentIno, dstBase, err := ns.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}

	if existingIno, existingType, err := ns.dir(dstParentIno).Lookup(ctx, dstBase); err == nil {
		if existingType == layout.TypeDir {
			return fmt.Errorf("namespace: rename %q -> %q: %w", oldPath, newPath, nverrors.ErrIsDirectory)
		}
		if err := ns.dir(dstParentIno).Remove(ctx, dstBase); err != nil {
			return err
		}
		if err := ns.freeInode(ctx, existingIno); err != nil {
			return err
		}
	}

	if err := ns.dir(dstParentIno).Create(ctx, dstBase, srcIno, srcType); err != nil {
		return err
	}

	srcParentIno, srcBase, err := ns.resolveParent(ctx, oldPath)
	if err != nil {
		return err
	}
	return ns.dir(srcParentIno).Remove(ctx, srcBase)
}

// Symlink implements symlink(2): allocate a SYMLINK inode whose data holds
// the link target text, and link it into the parent directory.
func (ns *Namespace) Symlink(ctx context.Context, target, linkPath string) (uint32, error) {
	if len(target) > layout.ClusterSize {
		return 0, fmt.Errorf("namespace: symlink %q: %w", linkPath, nverrors.ErrInvalidArgument)
	}
	parentIno, base, err := ns.resolveParent(ctx, linkPath)
	if err != nil {
		return 0, err
	}
	childIno, err := ns.allocInode(ctx, layout.TypeSymlink)
	if err != nil {
		return 0, err
	}
	bh, err := ns.BC.GetNewBH(ctx, childIno, 0, false)
	if err != nil {
		return 0, err
	}
	copy(bh.Buf[:], target)
	ns.BC.MarkDirty(bh)
	ns.BC.Release(bh, true)

	ic, err := ns.IC.Get(ctx, childIno)
	if err != nil {
		return 0, err
	}
	ic.Inode.Size = uint64(len(target))
	ic.MarkDirty()
	ns.IC.Release(ic)

	if err := ns.dir(parentIno).Create(ctx, base, childIno, layout.TypeSymlink); err != nil {
		return 0, err
	}
	return childIno, nil
}

// Readlink implements readlink(2).
func (ns *Namespace) Readlink(ctx context.Context, path string) (string, error) {
	ino, typ, err := ns.Resolve(ctx, path)
	if err != nil {
		return "", err
	}
	if typ != layout.TypeSymlink {
		return "", fmt.Errorf("namespace: readlink %q: %w", path, nverrors.ErrInvalidArgument)
	}
	ic, err := ns.IC.Get(ctx, ino)
	if err != nil {
		return "", err
	}
	size := ic.Inode.Size
	ns.IC.Release(ic)

	bh, err := ns.BC.GetBH(ctx, ino, 0, false, true)
	if err != nil {
		return "", err
	}
	defer ns.BC.Release(bh, false)
	return string(bh.Buf[:size]), nil
}

// Fsync flushes every dirty inode record and buffer-cache entry, then
// issues the device flush barrier (spec.md §4.9's durability requirement).
func (ns *Namespace) Fsync(ctx context.Context) error {
	if err := ns.IC.FlushAll(ctx); err != nil {
		return err
	}
	return ns.BC.FlushAll(ctx)
}
