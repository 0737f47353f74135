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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nvfuse/nvfuse/clock"
	nverrors "github.com/nvfuse/nvfuse/errors"
	"github.com/nvfuse/nvfuse/metrics"
)

// AppEntry is one registered process's entry in the primary's
// app_manage_table (spec.md §4.9).
type AppEntry struct {
	CoreID int32
	ChanID int32
	Name   string
	RootBG uint32

	// CorrelationID is a process-local identifier minted at registration
	// time, used only to tie this app's log lines and spans together; it
	// never crosses the wire and plays no part in the APP_REGISTER
	// protocol itself.
	CorrelationID string
}

// Reservation is one block group's entry in the primary's
// reservation_table (spec.md §4.9).
type Reservation struct {
	BGID     uint32
	Owner    int32
	Status   ReservationStatus
	Refcount int32

	missedHealthChecks int
}

// BufferQuota is the primary's logical buffer-page quota (spec.md §4.9).
type BufferQuota struct {
	Total   int64
	Current int64
}

// HealthCheckMaxMiss is NVFUSE_HEALTH_CHECK_MAX_MISS (SPEC_FULL.md §C.10):
// a secondary that misses this many consecutive heartbeats has its leased
// containers forcibly reclaimed.
const HealthCheckMaxMiss = 3

// Primary owns format/mount/full-superblock state and leases block
// groups, buffer quota, and reservations to secondary processes over
// shared-memory rings (spec.md §4.9). It is the process that ran
// `nvfuse mount -m` (no -p app name) per spec.md §6's CLI surface.
type Primary struct {
	mu sync.Mutex

	apps         map[int32]*AppEntry // by core id
	reservations map[uint32]*Reservation
	quota        BufferQuota
	freeBGs      []uint32 // unassigned block groups, format order
	nextChan     int32

	log     *slog.Logger
	metrics *metrics.ControlPlaneMetrics
	tracer  oteltrace.Tracer
	clock   clock.Clock
	store   *Store

	// shutdown mirrors the source's signal-driven stop: toggled by a
	// SIGINT handler or a shutdown message, polled by the ring-service
	// loop in Serve (spec.md §9).
	shutdown atomic.Bool
}

// NewPrimary constructs a Primary with freeBGs available for leasing
// (typically every block group beyond the root) and a buffer quota of
// totalBufferPages logical pages. tracer spans every request/completion
// round trip (spec.md §4.9); a nil tracer falls back to the global no-op
// tracer (metrics.Tracer(nil)).
func NewPrimary(freeBGs []uint32, totalBufferPages int64, log *slog.Logger, m *metrics.ControlPlaneMetrics, clk clock.Clock, store *Store, tracer oteltrace.Tracer) *Primary {
	if tracer == nil {
		tracer = metrics.Tracer(nil)
	}
	p := &Primary{
		apps:         make(map[int32]*AppEntry),
		reservations: make(map[uint32]*Reservation),
		quota:        BufferQuota{Total: totalBufferPages},
		freeBGs:      append([]uint32(nil), freeBGs...),
		log:          log,
		metrics:      m,
		tracer:       tracer,
		clock:        clk,
		store:        store,
	}
	for _, bg := range freeBGs {
		p.reservations[bg] = &Reservation{BGID: bg, Owner: -1, Status: Unlocked}
	}
	return p
}

// Shutdown requests the primary's ring-service loop stop.
func (p *Primary) Shutdown() { p.shutdown.Store(true) }

// Handle processes one request message and returns its completion. It is
// the primary's single dispatch point, called either directly by tests or
// by the ring-service loop in Serve; the whole request/response round
// trip runs inside one span (spec.md §4.9).
func (p *Primary) Handle(ctx context.Context, req Message) Message {
	_, span := metrics.StartSpan(ctx, p.tracer, "controlplane."+req.Opcode.String())
	defer span.End()

	p.metrics.Request(req.Opcode.String())
	resp := Message{Opcode: req.Opcode, ChanID: req.ChanID}

	var err error
	switch req.Opcode {
	case OpAppRegister:
		var chanID int32
		chanID, err = p.register(req.CoreID, req.Name)
		resp.ChanID = chanID
	case OpAppUnregister:
		err = p.unregister(req.CoreID)
	case OpContainerAlloc:
		var bg uint32
		bg, err = p.containerAlloc(req.CoreID, req.AllocKind)
		resp.BGID = bg
	case OpContainerRelease:
		err = p.containerRelease(req.CoreID, req.BGID)
	case OpReservationAcquire:
		err = p.reservationAcquire(req.CoreID, req.BGID, req.ResvKind)
	case OpReservationRelease:
		err = p.reservationRelease(req.CoreID, req.BGID)
	case OpBufferAlloc:
		var got uint32
		got, err = p.bufferAlloc(uint32(req.Count))
		resp.Count = got
	case OpBufferFree:
		p.bufferFree(int64(req.Count))
	case OpHealthCheck:
		p.heartbeat(req.CoreID)
	default:
		err = fmt.Errorf("controlplane: unknown opcode %d: %w", req.Opcode, nverrors.ErrProtocol)
	}

	if err != nil {
		p.metrics.Denied(req.Opcode.String())
		resp.Ret = int32(nverrors.ToErrno(err))
		p.log.Warn("control-plane request denied", "opcode", req.Opcode.String(), "core", req.CoreID, "err", err)
	}
	return resp
}

func (p *Primary) register(coreID int32, name string) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.apps[coreID]; ok {
		return 0, fmt.Errorf("controlplane: register core %d: %w", coreID, nverrors.ErrExists)
	}
	p.nextChan++
	entry := &AppEntry{CoreID: coreID, ChanID: p.nextChan, Name: name, CorrelationID: uuid.NewString()}
	p.apps[coreID] = entry
	p.persistLocked()
	p.log.Info("app registered", "core", coreID, "name", name, "chan", entry.ChanID, "correlation_id", entry.CorrelationID)
	return p.nextChan, nil
}

func (p *Primary) unregister(coreID int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.apps[coreID]; !ok {
		return fmt.Errorf("controlplane: unregister core %d: %w", coreID, nverrors.ErrNotFound)
	}
	delete(p.apps, coreID)
	p.persistLocked()
	return nil
}

// containerAlloc implements CONTAINER_ALLOC (spec.md §4.9). NEW returns a
// free block group and assigns ownership; ALLOCATED returns the caller's
// next already-owned, currently-unlocked block group, used at mount to
// reattach pre-existing containers across a restart.
func (p *Primary) containerAlloc(coreID int32, kind ContainerAllocKind) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kind == ContainerAllocAllocated {
		for _, r := range p.reservations {
			if r.Owner == coreID && r.Status == Unlocked {
				return r.BGID, nil
			}
		}
		return 0, fmt.Errorf("controlplane: container_alloc(allocated) core %d: %w", coreID, nverrors.ErrNotFound)
	}

	if len(p.freeBGs) == 0 {
		return 0, fmt.Errorf("controlplane: container_alloc(new) core %d: %w", coreID, nverrors.ErrNoSpace)
	}
	bg := p.freeBGs[0]
	p.freeBGs = p.freeBGs[1:]
	r := p.reservations[bg]
	r.Owner = coreID
	r.Status = Acquired
	r.missedHealthChecks = 0
	p.persistLocked()
	return bg, nil
}

// containerRelease implements CONTAINER_RELEASE: clears ownership only if
// the block group has no outstanding reservation refcount (spec.md §4.9).
func (p *Primary) containerRelease(coreID int32, bgID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reservations[bgID]
	if !ok {
		return fmt.Errorf("controlplane: container_release bg %d: %w", bgID, nverrors.ErrInvalidArgument)
	}
	if r.Owner != coreID {
		return fmt.Errorf("controlplane: container_release bg %d: %w", bgID, nverrors.ErrLeaseConflict)
	}
	if r.Refcount != 0 {
		return fmt.Errorf("controlplane: container_release bg %d: refcount %d: %w", bgID, r.Refcount, nverrors.ErrProtocol)
	}
	r.Owner = -1
	r.Status = Unlocked
	r.missedHealthChecks = 0
	p.freeBGs = append(p.freeBGs, bgID)
	p.persistLocked()
	return nil
}

// reservationAcquire implements RESERVATION_ACQUIRE (spec.md §4.9): WRITE
// only from UNLOCKED, READ from UNLOCKED or READ_LOCKED (incrementing
// refcount). Advisory only — no data-plane path currently blocks on it
// (spec.md §9's open question; SPEC_FULL.md §E.4).
func (p *Primary) reservationAcquire(coreID int32, bgID uint32, kind ReservationKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reservations[bgID]
	if !ok {
		return fmt.Errorf("controlplane: reservation_acquire bg %d: %w", bgID, nverrors.ErrInvalidArgument)
	}
	switch kind {
	case ReservationWrite:
		if r.Status != Unlocked {
			return fmt.Errorf("controlplane: reservation_acquire(write) bg %d: %w", bgID, nverrors.ErrLeaseConflict)
		}
		r.Status = WriteLocked
		r.Owner = coreID
		r.Refcount = 1
	case ReservationRead:
		if r.Status != Unlocked && r.Status != ReadLocked {
			return fmt.Errorf("controlplane: reservation_acquire(read) bg %d: %w", bgID, nverrors.ErrLeaseConflict)
		}
		r.Status = ReadLocked
		r.Refcount++
	}
	return nil
}

// reservationRelease implements RESERVATION_RELEASE: decrements refcount,
// returning to UNLOCKED once it reaches zero.
func (p *Primary) reservationRelease(coreID int32, bgID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reservations[bgID]
	if !ok {
		return fmt.Errorf("controlplane: reservation_release bg %d: %w", bgID, nverrors.ErrInvalidArgument)
	}
	if r.Refcount > 0 {
		r.Refcount--
	}
	if r.Refcount == 0 {
		r.Status = Unlocked
	}
	return nil
}

// bufferAlloc implements BUFFER_ALLOC(n): reduces the quota by n and
// returns n, or 0 if insufficient quota remains (spec.md §4.9).
func (p *Primary) bufferAlloc(n uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quota.Current+int64(n) > p.quota.Total {
		return 0, nil
	}
	p.quota.Current += int64(n)
	return n, nil
}

func (p *Primary) bufferFree(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quota.Current -= n
	if p.quota.Current < 0 {
		p.quota.Current = 0
	}
}

func (p *Primary) heartbeat(coreID int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.reservations {
		if r.Owner == coreID {
			r.missedHealthChecks = 0
		}
	}
}

// ReclaimStranded runs one pass of the health-check loop
// (SPEC_FULL.md §C.10): every owned reservation's miss count goes up by
// one on each pass, and a HEALTH_CHECK from the owning core resets it to
// zero; once a reservation reaches HealthCheckMaxMiss misses, its block
// group is forcibly released, as if the owner had sent CONTAINER_RELEASE
// itself, so a crashed secondary cannot strand block groups forever.
func (p *Primary) ReclaimStranded() {
	p.mu.Lock()
	var stale []uint32
	for bg, r := range p.reservations {
		if r.Owner < 0 {
			continue
		}
		r.missedHealthChecks++
		if r.missedHealthChecks >= HealthCheckMaxMiss {
			stale = append(stale, bg)
		}
	}
	p.mu.Unlock()

	for _, bg := range stale {
		p.mu.Lock()
		r := p.reservations[bg]
		owner := r.Owner
		r.Refcount = 0
		p.mu.Unlock()

		if err := p.containerRelease(owner, bg); err != nil {
			p.log.Warn("health-check reclaim failed", "bg", bg, "core", owner, "err", err)
			continue
		}
		p.log.Warn("health-check reclaimed stranded container", "bg", bg, "core", owner)
	}
}

// Serve runs the primary's ring-service loop for one channel pair,
// draining requests and posting completions, until Shutdown is called or
// ctx is cancelled.
func (p *Primary) Serve(ctx context.Context, reqRing, cplRing *Ring) error {
	for !p.shutdown.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		req, ok := reqRing.Pop()
		if !ok {
			continue
		}
		resp := p.Handle(ctx, req)
		if err := cplRing.Push(resp); err != nil {
			return fmt.Errorf("controlplane: post completion: %w", err)
		}
	}
	return nil
}

// persistLocked snapshots the app and reservation tables to the
// configured Store, if any. Called with p.mu held.
func (p *Primary) persistLocked() {
	if p.store == nil {
		return
	}
	apps := make([]AppEntry, 0, len(p.apps))
	for _, a := range p.apps {
		apps = append(apps, *a)
	}
	resvs := make([]Reservation, 0, len(p.reservations))
	for _, r := range p.reservations {
		resvs = append(resvs, *r)
	}
	if err := p.store.Save(apps, resvs); err != nil {
		p.log.Error("persist control-plane tables failed", "err", err)
	}
}
