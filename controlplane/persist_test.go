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

package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	require.NoError(t, err)

	apps := []AppEntry{{CoreID: 0, ChanID: 1, Name: "app-a", RootBG: 1}}
	resvs := []Reservation{{BGID: 1, Owner: 0, Status: Acquired}}
	require.NoError(t, s.Save(apps, resvs))

	loaded, err := OpenStore(dir)
	require.NoError(t, err)
	gotApps, gotResvs, ok, err := loaded.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, apps, gotApps)
	assert.Equal(t, resvs, gotResvs)
}

func TestStoreLoadEmptyDirReportsNotOK(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	require.NoError(t, err)

	_, _, ok, err := s.Load()

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSaveAlternatesSlotsAndKeepsLatestGeneration(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		apps := []AppEntry{{CoreID: int32(i), ChanID: int32(i), Name: "app"}}
		require.NoError(t, s.Save(apps, nil))
	}

	loaded, err := OpenStore(dir)
	require.NoError(t, err)
	gotApps, _, ok, err := loaded.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, gotApps, 1)
	assert.Equal(t, int32(2), gotApps[0].CoreID, "Load should recover the most recent generation")
}
