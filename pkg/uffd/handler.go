// Copyright 2024 The Authors.
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

// Package uffd is a thin adapter: it defines the shape of the
// fault-trap collaborator the Buffer expects — a FaultSource of fault
// events and a re-arm callback — and a Handler that drives
// pagebuffer.Buffer from it. It never touches the real userfaultfd(2)
// ioctl surface; wiring a FaultSource to the kernel's fault-notification
// protocol is a distinct, larger project than this package covers.
package uffd

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dice-group/umap/pkg/pagebuffer"
	"github.com/dice-group/umap/pkg/worker"
)

// Kind distinguishes a read fault from a write fault. A write fault on
// an already-Present page promotes it Present->Updating->Present and
// marks it dirty; a write fault on an absent page is serviced like a
// read fault and then immediately promoted once the fill completes.
type Kind int

const (
	Read Kind = iota
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "WRITE"
	}
	return "READ"
}

// Fault is one fault event delivered by a FaultSource.
type Fault struct {
	Addr pagebuffer.Addr
	Kind Kind
}

// ErrSourceClosed is returned by Next once no further faults will ever
// be delivered, so Handler.Run can distinguish a clean shutdown from a
// transport error.
var ErrSourceClosed = errors.New("uffd: fault source closed")

// FaultSource is the trap mechanism's contract: deliver the next fault,
// and re-arm a previously trapped address so the kernel resumes the
// faulting thread. Invalidation on eviction is not part of this
// interface; it goes through worker.InvalidateFunc. A real implementation
// would wrap a userfaultfd file descriptor; tests and the CLI in this
// module use small in-memory fakes.
type FaultSource interface {
	Next(ctx context.Context) (Fault, error)
	Rearm(addr pagebuffer.Addr) error
}

// Handler is the uffd handler shim: lock, lookup, and either re-arm
// immediately or acquire a free descriptor, enqueue a FILL item, and
// re-arm once the fill worker reports completion.
type Handler struct {
	Buf      *pagebuffer.Buffer
	Source   FaultSource
	Fill     *worker.FillQueue
	OffsetOf worker.OffsetFunc
	Log      *logrus.Entry
}

// Run services faults from Source until it reports ErrSourceClosed (a
// clean return) or a ctx cancellation / other error (propagated).
func (h *Handler) Run(ctx context.Context) error {
	for {
		f, err := h.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return err
		}
		if err := h.handleFault(ctx, f); err != nil {
			return err
		}
	}
}

func (h *Handler) handleFault(ctx context.Context, f Fault) error {
	h.Buf.Lock()
	pd, present := h.Buf.LookupLocked(f.Addr)
	if present {
		if f.Kind == Write && pd.State() == pagebuffer.Present {
			h.Buf.BeginUpdateLocked(pd)
			pd.MarkDirty()
			h.Buf.MarkPresentLocked(pd)
		}
		h.Buf.Unlock()
		return h.Source.Rearm(f.Addr)
	}

	pd, err := h.Buf.AcquireForFillLocked(f.Addr)
	h.Buf.Unlock()
	if err != nil {
		return fmt.Errorf("uffd: acquire for fill %s: %w", f.Addr, err)
	}

	done := make(chan error, 1)
	h.Fill.Push(worker.FillItem{Descriptor: pd, Offset: h.OffsetOf(f.Addr), Done: done})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("uffd: fill failed for %s: %w", f.Addr, err)
		}
	}

	if f.Kind == Write {
		h.Buf.Lock()
		h.Buf.BeginUpdateLocked(pd)
		pd.MarkDirty()
		h.Buf.MarkPresentLocked(pd)
		h.Buf.Unlock()
	}

	h.Log.WithFields(logrus.Fields{"addr": f.Addr, "kind": f.Kind}).Debug("fault serviced")
	return h.Source.Rearm(f.Addr)
}
