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

package fs

import (
	"context"
	"fmt"

	"github.com/nvfuse/nvfuse/blockgroup"
	"github.com/nvfuse/nvfuse/buffercache"
	"github.com/nvfuse/nvfuse/layout"
)

// bcBitmapSource adapts the shared buffer cache to blockgroup.BitmapSource,
// reading each block group's inode/data bitmap through the
// IBitmapIno/DBitmapIno reserved inodes the first time it is touched and
// holding onto the same backing slice afterwards: blockgroup.Allocator
// mutates the slice InodeBitmap/DataBitmap returns in place and then calls
// MarkDirty, which never receives the slice itself, so a source that
// handed out a fresh copy on every call would lose every allocation.
// Allocator already serializes every call under its own lock, so this type
// needs none of its own.
type bcBitmapSource struct {
	bc             *buffercache.Cache
	maxInodesPerBG uint32
	maxBlocksPerBG uint32
	iClusters      uint64
	dClusters      uint64

	ibm map[uint32][]byte
	dbm map[uint32][]byte
}

func newBCBitmapSource(bc *buffercache.Cache, maxInodesPerBG, maxBlocksPerBG uint32) *bcBitmapSource {
	return &bcBitmapSource{
		bc:             bc,
		maxInodesPerBG: maxInodesPerBG,
		maxBlocksPerBG: maxBlocksPerBG,
		iClusters:      blockgroup.IBitmapSize(maxInodesPerBG),
		dClusters:      blockgroup.DBitmapSize(maxBlocksPerBG),
		ibm:            map[uint32][]byte{},
		dbm:            map[uint32][]byte{},
	}
}

func (s *bcBitmapSource) load(ino uint32, bg uint32, clustersPerBG uint64, nbits uint32) ([]byte, error) {
	ctx := context.Background()
	buf := make([]byte, clustersPerBG*layout.ClusterSize)
	for c := uint64(0); c < clustersPerBG; c++ {
		lbn := uint32(uint64(bg)*clustersPerBG + c)
		bh, err := s.bc.GetBH(ctx, ino, lbn, true, true)
		if err != nil {
			return nil, fmt.Errorf("fs: load bitmap ino=%d bg=%d: %w", ino, bg, err)
		}
		copy(buf[c*layout.ClusterSize:], bh.Buf)
		s.bc.Release(bh, false)
	}
	nbytes := (nbits + 7) / 8
	return buf[:nbytes], nil
}

func (s *bcBitmapSource) store(ino uint32, bg uint32, clustersPerBG uint64, bm []byte) error {
	ctx := context.Background()
	for c := uint64(0); c < clustersPerBG; c++ {
		lbn := uint32(uint64(bg)*clustersPerBG + c)
		bh, err := s.bc.GetBH(ctx, ino, lbn, true, true)
		if err != nil {
			return fmt.Errorf("fs: store bitmap ino=%d bg=%d: %w", ino, bg, err)
		}
		start := int(c) * layout.ClusterSize
		end := start + layout.ClusterSize
		if end > len(bm) {
			end = len(bm)
		}
		if start < end {
			copy(bh.Buf[:end-start], bm[start:end])
		}
		s.bc.MarkDirty(bh)
		s.bc.Release(bh, true)
	}
	return nil
}

// InodeBitmap implements blockgroup.BitmapSource.
func (s *bcBitmapSource) InodeBitmap(bg uint32) ([]byte, error) {
	if bm, ok := s.ibm[bg]; ok {
		return bm, nil
	}
	bm, err := s.load(layout.IBitmapIno, bg, s.iClusters, s.maxInodesPerBG)
	if err != nil {
		return nil, err
	}
	s.ibm[bg] = bm
	return bm, nil
}

// DataBitmap implements blockgroup.BitmapSource.
func (s *bcBitmapSource) DataBitmap(bg uint32) ([]byte, error) {
	if bm, ok := s.dbm[bg]; ok {
		return bm, nil
	}
	bm, err := s.load(layout.DBitmapIno, bg, s.dClusters, s.maxBlocksPerBG)
	if err != nil {
		return nil, err
	}
	s.dbm[bg] = bm
	return bm, nil
}

// MarkDirty implements blockgroup.BitmapSource: write the cached bitmap
// slice for bg back through the buffer cache.
func (s *bcBitmapSource) MarkDirty(bg uint32, isInode bool) error {
	if isInode {
		bm, ok := s.ibm[bg]
		if !ok {
			return nil
		}
		return s.store(layout.IBitmapIno, bg, s.iClusters, bm)
	}
	bm, ok := s.dbm[bg]
	if !ok {
		return nil
	}
	return s.store(layout.DBitmapIno, bg, s.dClusters, bm)
}
