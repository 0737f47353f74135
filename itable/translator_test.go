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

package itable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvfuse/nvfuse/blockgroup"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/layout"
)

func testDescriptors(n int) []*blockgroup.Descriptor {
	descs := make([]*blockgroup.Descriptor, n)
	for i := range descs {
		descs[i] = blockgroup.NewDescriptor(uint32(i), uint64(i)*layout.ClustersPerBlockGroup, 32, layout.ClustersPerBlockGroup)
	}
	return descs
}

func TestTranslateBlockIOIsIdentity(t *testing.T) {
	tr := New(testDescriptors(1), 32, nil)
	pbn, err := tr.Translate(context.Background(), layout.BlockIOIno, 777, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(777), pbn)
}

func TestTranslateITableFirstBlockOfFirstBG(t *testing.T) {
	descs := testDescriptors(2)
	tr := New(descs, 32, nil)
	pbn, err := tr.Translate(context.Background(), layout.ITableIno, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(descs[0].ITableStart), pbn)
}

func TestTranslateITableSpillsIntoSecondBG(t *testing.T) {
	descs := testDescriptors(2)
	tr := New(descs, 32, nil)
	size0 := blockgroup.ITableSize(descs[0].MaxInodes)

	pbn, err := tr.Translate(context.Background(), layout.ITableIno, uint32(size0), false)
	require.NoError(t, err)
	assert.Equal(t, uint32(descs[1].ITableStart), pbn)
}

func TestTranslateDBitmapAndIBitmap(t *testing.T) {
	descs := testDescriptors(1)
	tr := New(descs, 32, nil)

	pbn, err := tr.Translate(context.Background(), layout.DBitmapIno, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(descs[0].DBitmapStart), pbn)

	pbn, err = tr.Translate(context.Background(), layout.IBitmapIno, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(descs[0].IBitmapStart), pbn)
}

func TestTranslateBDInoIndexesByBG(t *testing.T) {
	descs := testDescriptors(2)
	tr := New(descs, 32, nil)

	pbn, err := tr.Translate(context.Background(), layout.BDIno, 1, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(descs[1].BGStart+layout.BDOffset), pbn)
}

func TestTranslateOutOfRangeReturnsInvalidArgument(t *testing.T) {
	descs := testDescriptors(1)
	tr := New(descs, 32, nil)
	size := blockgroup.ITableSize(descs[0].MaxInodes)

	_, err := tr.Translate(context.Background(), layout.ITableIno, uint32(size), false)
	assert.ErrorIs(t, err, nverrors.ErrInvalidArgument)
}

type fakeDataResolver struct {
	pbn uint32
	err error
}

func (f *fakeDataResolver) Resolve(ctx context.Context, ino, lbn uint32, create bool) (uint32, error) {
	return f.pbn, f.err
}

func TestTranslateOrdinaryInoDelegatesToDataResolver(t *testing.T) {
	descs := testDescriptors(1)
	fr := &fakeDataResolver{pbn: 555}
	tr := New(descs, 32, fr)

	pbn, err := tr.Translate(context.Background(), layout.FirstFreeIno, 3, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(555), pbn)
}

func TestTranslateOrdinaryInoWithoutResolverFails(t *testing.T) {
	descs := testDescriptors(1)
	tr := New(descs, 32, nil)

	_, err := tr.Translate(context.Background(), layout.FirstFreeIno, 0, false)
	assert.ErrorIs(t, err, nverrors.ErrIO)
}
