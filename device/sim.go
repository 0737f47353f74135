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

package device

import (
	"context"
	"os"
	"sync"
)

// SimDevice is a Reactor backed by a regular file, standing in for the
// out-of-scope NVMe reactor. Submitted jobs are executed synchronously at
// Submit time and queued for delivery on the next Poll call, which is
// enough to exercise the AIO engine's submission/completion split without
// a real asynchronous backend.
type SimDevice struct {
	mu   sync.Mutex
	f    *os.File
	done []completion

	// InjectWriteError, when non-nil, is returned (and then cleared) by
	// the next write job — used by tests to exercise the write-failure
	// path described in spec.md §7.
	InjectWriteError error
}

// completion is a finished job awaiting delivery on the next Poll call.
type completion struct {
	cb  func(error)
	err error
}

var _ Reactor = (*SimDevice)(nil)

// OpenSimDevice opens (creating if necessary) a file to back a SimDevice,
// truncated/extended to sizeBytes.
func OpenSimDevice(path string, sizeBytes int64) (*SimDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < sizeBytes {
		if err := f.Truncate(sizeBytes); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &SimDevice{f: f}, nil
}

func (d *SimDevice) Submit(job *Job) error {
	var err error
	switch job.Type {
	case ReqRead:
		off := job.OffsetBytes
		for _, b := range job.IOV {
			n, rerr := d.f.ReadAt(b, off)
			if rerr != nil && n != len(b) {
				err = rerr
				break
			}
			off += int64(n)
		}
	case ReqWrite:
		d.mu.Lock()
		if d.InjectWriteError != nil {
			err = d.InjectWriteError
			d.InjectWriteError = nil
		}
		d.mu.Unlock()
		if err == nil {
			off := job.OffsetBytes
			for _, b := range job.IOV {
				n, werr := d.f.WriteAt(b, off)
				if werr != nil {
					err = werr
					break
				}
				off += int64(n)
			}
		}
	case ReqFlush:
		err = d.f.Sync()
	}

	d.mu.Lock()
	d.done = append(d.done, completion{cb: job.Callback, err: err})
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) Poll() int {
	d.mu.Lock()
	pending := d.done
	d.done = nil
	d.mu.Unlock()

	for _, c := range pending {
		if c.cb != nil {
			c.cb(c.err)
		}
	}
	return len(pending)
}

func (d *SimDevice) SyncRead(_ context.Context, offsetBytes int64, buf []byte) error {
	n, err := d.f.ReadAt(buf, offsetBytes)
	if err != nil && n != len(buf) {
		return &ErrShortIO{Want: len(buf), Got: n}
	}
	return nil
}

func (d *SimDevice) SyncWrite(_ context.Context, offsetBytes int64, buf []byte) error {
	d.mu.Lock()
	if d.InjectWriteError != nil {
		err := d.InjectWriteError
		d.InjectWriteError = nil
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	n, err := d.f.WriteAt(buf, offsetBytes)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return &ErrShortIO{Want: len(buf), Got: n}
	}
	return nil
}

func (d *SimDevice) Flush(context.Context) error {
	return d.f.Sync()
}

func (d *SimDevice) Close() error {
	return d.f.Close()
}
