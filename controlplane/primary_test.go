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
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvfuse/nvfuse/clock"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPrimary(t *testing.T) *Primary {
	t.Helper()
	reg := metrics.NewNoop()
	return NewPrimary([]uint32{1, 2, 3}, 100, testLogger(), reg.ControlPlane, clock.RealClock{}, nil, nil)
}

func TestPrimaryRegisterAssignsDistinctChannels(t *testing.T) {
	p := newTestPrimary(t)

	r1 := p.Handle(context.Background(), Message{Opcode: OpAppRegister, CoreID: 0, Name: "app-a"})
	r2 := p.Handle(context.Background(), Message{Opcode: OpAppRegister, CoreID: 1, Name: "app-b"})

	assert.Zero(t, r1.Ret)
	assert.Zero(t, r2.Ret)
	assert.NotEqual(t, r1.ChanID, r2.ChanID)
}

func TestPrimaryRegisterDuplicateCoreDenied(t *testing.T) {
	p := newTestPrimary(t)
	require.Zero(t, p.Handle(context.Background(), Message{Opcode: OpAppRegister, CoreID: 0, Name: "app-a"}).Ret)

	resp := p.Handle(context.Background(), Message{Opcode: OpAppRegister, CoreID: 0, Name: "app-a-again"})

	assert.Equal(t, int32(nverrors.ToErrno(nverrors.ErrExists)), resp.Ret)
}

func TestPrimaryContainerAllocNewExhaustsFreeList(t *testing.T) {
	p := newTestPrimary(t)

	var got []uint32
	for i := 0; i < 3; i++ {
		resp := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
		require.Zero(t, resp.Ret)
		got = append(got, resp.BGID)
	}
	assert.ElementsMatch(t, []uint32{1, 2, 3}, got)

	resp := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	assert.Equal(t, int32(nverrors.ToErrno(nverrors.ErrNoSpace)), resp.Ret)
}

func TestPrimaryContainerReleaseReturnsToFreeList(t *testing.T) {
	p := newTestPrimary(t)
	alloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	require.Zero(t, alloc.Ret)

	rel := p.Handle(context.Background(), Message{Opcode: OpContainerRelease, CoreID: 0, BGID: alloc.BGID})
	assert.Zero(t, rel.Ret)

	realloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 1, AllocKind: ContainerAllocNew})
	assert.Zero(t, realloc.Ret)
}

func TestPrimaryContainerReleaseWrongOwnerDenied(t *testing.T) {
	p := newTestPrimary(t)
	alloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	require.Zero(t, alloc.Ret)

	resp := p.Handle(context.Background(), Message{Opcode: OpContainerRelease, CoreID: 1, BGID: alloc.BGID})
	assert.Equal(t, int32(nverrors.ToErrno(nverrors.ErrLeaseConflict)), resp.Ret)
}

func TestPrimaryReservationWriteConflict(t *testing.T) {
	p := newTestPrimary(t)
	alloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	require.Zero(t, alloc.Ret)

	first := p.Handle(context.Background(), Message{Opcode: OpReservationAcquire, CoreID: 0, BGID: alloc.BGID, ResvKind: ReservationWrite})
	assert.Zero(t, first.Ret)

	second := p.Handle(context.Background(), Message{Opcode: OpReservationAcquire, CoreID: 1, BGID: alloc.BGID, ResvKind: ReservationWrite})
	assert.Equal(t, int32(nverrors.ToErrno(nverrors.ErrLeaseConflict)), second.Ret)
}

func TestPrimaryReservationReadSharable(t *testing.T) {
	p := newTestPrimary(t)
	alloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	require.Zero(t, alloc.Ret)

	first := p.Handle(context.Background(), Message{Opcode: OpReservationAcquire, CoreID: 0, BGID: alloc.BGID, ResvKind: ReservationRead})
	second := p.Handle(context.Background(), Message{Opcode: OpReservationAcquire, CoreID: 1, BGID: alloc.BGID, ResvKind: ReservationRead})

	assert.Zero(t, first.Ret)
	assert.Zero(t, second.Ret)
}

func TestPrimaryBufferAllocRespectsQuota(t *testing.T) {
	p := newTestPrimary(t)

	first := p.Handle(context.Background(), Message{Opcode: OpBufferAlloc, CoreID: 0, Count: 80})
	require.Zero(t, first.Ret)
	assert.Equal(t, uint32(80), first.Count)

	second := p.Handle(context.Background(), Message{Opcode: OpBufferAlloc, CoreID: 0, Count: 30})
	require.Zero(t, second.Ret)
	assert.Equal(t, uint32(0), second.Count, "alloc beyond quota should return 0 granted pages")

	p.Handle(context.Background(), Message{Opcode: OpBufferFree, CoreID: 0, Count: 80})
	third := p.Handle(context.Background(), Message{Opcode: OpBufferAlloc, CoreID: 0, Count: 30})
	require.Zero(t, third.Ret)
	assert.Equal(t, uint32(30), third.Count)
}

func TestPrimaryReclaimStrandedReleasesAfterMaxMiss(t *testing.T) {
	p := newTestPrimary(t)
	alloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	require.Zero(t, alloc.Ret)

	for i := 0; i < HealthCheckMaxMiss-1; i++ {
		p.ReclaimStranded()
	}
	stillOwned := p.Handle(context.Background(), Message{Opcode: OpContainerRelease, CoreID: 0, BGID: alloc.BGID})
	assert.Zero(t, stillOwned.Ret, "ownership should survive fewer than HealthCheckMaxMiss misses")

	alloc2 := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	require.Zero(t, alloc2.Ret)
	for i := 0; i < HealthCheckMaxMiss; i++ {
		p.ReclaimStranded()
	}

	reclaimed := p.Handle(context.Background(), Message{Opcode: OpContainerRelease, CoreID: 0, BGID: alloc2.BGID})
	assert.Equal(t, int32(nverrors.ToErrno(nverrors.ErrLeaseConflict)), reclaimed.Ret, "core 0 should no longer own the reclaimed block group")

	realloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 1, AllocKind: ContainerAllocNew})
	assert.Zero(t, realloc.Ret, "block group should have been forcibly reclaimed and made available")
}

func TestPrimaryHeartbeatResetsMissCount(t *testing.T) {
	p := newTestPrimary(t)
	alloc := p.Handle(context.Background(), Message{Opcode: OpContainerAlloc, CoreID: 0, AllocKind: ContainerAllocNew})
	require.Zero(t, alloc.Ret)

	for i := 0; i < HealthCheckMaxMiss-1; i++ {
		p.ReclaimStranded()
	}
	p.Handle(context.Background(), Message{Opcode: OpHealthCheck, CoreID: 0})
	for i := 0; i < HealthCheckMaxMiss-1; i++ {
		p.ReclaimStranded()
	}

	resp := p.Handle(context.Background(), Message{Opcode: OpContainerRelease, CoreID: 0, BGID: alloc.BGID})
	assert.Zero(t, resp.Ret, "a heartbeat should reset the miss counter and prevent reclaim")
}
