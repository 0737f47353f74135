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
	"time"

	nverrors "github.com/nvfuse/nvfuse/errors"
)

// Secondary is the client-side handle a non-primary process (`nvfuse
// mount -p <app_name>`, per spec.md §6) uses to talk to the primary: it
// holds one request ring (SEC_TO_PRI) and one completion ring (PRI_TO_SEC),
// the channel-0 rings DialSecondary opened, and serializes every call
// through them since a ring carries one request in flight at a time. The
// channel the primary assigns is only stamped into later messages' ChanID;
// no per-channel rings are opened.
type Secondary struct {
	coreID int32
	name   string
	dir    string

	req *Ring
	cpl *Ring

	chanID int32
}

// DialSecondary opens (creating if necessary) the channel-0 bootstrap
// rings under dir and sends APP_REGISTER, returning a Secondary that
// records the channel the primary assigned and keeps using the channel-0
// rings for every later call.
func DialSecondary(ctx context.Context, dir string, coreID int32, name string) (*Secondary, error) {
	req, err := OpenRing(dir, RingName(SecToPri, 0), 64)
	if err != nil {
		return nil, err
	}
	cpl, err := OpenRing(dir, RingName(PriToSec, 0), 64)
	if err != nil {
		req.Close()
		return nil, err
	}

	s := &Secondary{coreID: coreID, name: name, dir: dir, req: req, cpl: cpl}
	resp, err := s.call(ctx, Message{Opcode: OpAppRegister, CoreID: coreID, Name: name})
	if err != nil {
		req.Close()
		cpl.Close()
		return nil, err
	}
	s.chanID = resp.ChanID
	return s, nil
}

// call pushes req and polls the completion ring until the next completion
// arrives, which it takes as the reply without checking its opcode; this
// relies on the channel carrying exactly one outstanding request at a time.
func (s *Secondary) call(ctx context.Context, req Message) (Message, error) {
	if err := s.req.Push(req); err != nil {
		return Message{}, fmt.Errorf("controlplane: secondary call %s: %w", req.Opcode, err)
	}
	for {
		if resp, ok := s.cpl.Pop(); ok {
			if resp.Ret != 0 {
				return resp, fmt.Errorf("controlplane: %s denied (errno %d): %w", req.Opcode, resp.Ret, nverrors.ErrProtocol)
			}
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Unregister sends APP_UNREGISTER and closes this secondary's rings.
func (s *Secondary) Unregister(ctx context.Context) error {
	_, err := s.call(ctx, Message{Opcode: OpAppUnregister, ChanID: s.chanID, CoreID: s.coreID})
	s.req.Close()
	s.cpl.Close()
	return err
}

// AllocContainer requests a block group, either a fresh one (kind ==
// ContainerAllocNew) or this app's next already-owned, unlocked one
// (ContainerAllocAllocated, used to reattach after a restart).
func (s *Secondary) AllocContainer(ctx context.Context, kind ContainerAllocKind) (uint32, error) {
	resp, err := s.call(ctx, Message{Opcode: OpContainerAlloc, ChanID: s.chanID, CoreID: s.coreID, AllocKind: kind})
	if err != nil {
		return 0, err
	}
	return resp.BGID, nil
}

// ReleaseContainer gives back ownership of bgID, which must currently
// have no outstanding reservation.
func (s *Secondary) ReleaseContainer(ctx context.Context, bgID uint32) error {
	_, err := s.call(ctx, Message{Opcode: OpContainerRelease, ChanID: s.chanID, CoreID: s.coreID, BGID: bgID})
	return err
}

// AcquireReservation requests a read or write lease on bgID.
func (s *Secondary) AcquireReservation(ctx context.Context, bgID uint32, kind ReservationKind) error {
	_, err := s.call(ctx, Message{Opcode: OpReservationAcquire, ChanID: s.chanID, CoreID: s.coreID, BGID: bgID, ResvKind: kind})
	return err
}

// ReleaseReservation drops this app's lease on bgID by one refcount.
func (s *Secondary) ReleaseReservation(ctx context.Context, bgID uint32) error {
	_, err := s.call(ctx, Message{Opcode: OpReservationRelease, ChanID: s.chanID, CoreID: s.coreID, BGID: bgID})
	return err
}

// AllocBuffers requests n logical buffer pages from the shared quota,
// returning how many were actually granted (0 if the quota is exhausted).
func (s *Secondary) AllocBuffers(ctx context.Context, n uint32) (uint32, error) {
	resp, err := s.call(ctx, Message{Opcode: OpBufferAlloc, ChanID: s.chanID, CoreID: s.coreID, Count: n})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// FreeBuffers returns n previously allocated buffer pages to the quota.
func (s *Secondary) FreeBuffers(ctx context.Context, n uint32) error {
	_, err := s.call(ctx, Message{Opcode: OpBufferFree, ChanID: s.chanID, CoreID: s.coreID, Count: n})
	return err
}

// Heartbeat sends one HEALTH_CHECK, resetting to zero the miss count that
// each Primary.ReclaimStranded pass adds to the reservations this app owns
// (SPEC_FULL.md §C.10); a reservation is released once it reaches
// HealthCheckMaxMiss passes with no heartbeat in between.
func (s *Secondary) Heartbeat(ctx context.Context) error {
	_, err := s.call(ctx, Message{Opcode: OpHealthCheck, ChanID: s.chanID, CoreID: s.coreID})
	return err
}

// RunHeartbeat sends a Heartbeat every period until ctx is cancelled. It
// is meant to be run in its own goroutine for the lifetime of the mount.
func (s *Secondary) RunHeartbeat(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.Heartbeat(ctx)
		}
	}
}
