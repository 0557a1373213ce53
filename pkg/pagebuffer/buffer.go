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

package pagebuffer

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Option configures a Buffer at construction time.
type Option func(*Buffer)

// WithLogger injects the logger used for worker diagnostics and fatal
// programming-error reports. The teacher's own services (pkg/v2) thread
// a single *logrus.Logger through their components rather than reaching
// for the global logrus instance; Buffer follows the same convention.
func WithLogger(log *logrus.Logger) Option {
	return func(b *Buffer) { b.log = log.WithField("component", "pagebuffer") }
}

// Buffer is a bounded pool of page descriptors: a free list, a FIFO
// busy queue, a present-page index, and the watermark bookkeeping that
// drives background eviction. All mutable state is protected by a single
// coarse-grained mutex; cvFree and cvOldestReady are the two condition
// variables bound to it.
type Buffer struct {
	mu            sync.Mutex
	cvFree        *sync.Cond
	cvOldestReady *sync.Cond

	capacity  int
	slots     []PageDescriptor
	arena     []byte // capacity*PageSize, slot i's page is arena[i*PageSize:(i+1)*PageSize]
	freeList  []*PageDescriptor
	busyQueue *list.List // of *PageDescriptor, oldest-admitted at Front
	present   map[Addr]*PageDescriptor

	fillWaitingCount int
	lastPDWaiting    *PageDescriptor

	lowWater, highWater int

	// notify receives a non-blocking signal whenever busyQueue's
	// length changes, so the eviction manager can react without
	// polling. Buffered to 1: a pending signal is as good as many.
	notify chan struct{}

	closed bool
	log    *logrus.Entry
}

// New constructs a Buffer with the given capacity and low/high
// watermark percentages. Allocation failure and invalid percentages are
// programming errors once the buffer is in use, but New itself reports
// them as an error so callers can choose how a top-level command
// reports construction failures (the CLI in cmd/bufferctl exits
// non-zero with the error rather than calling log.Fatal twice).
func New(capacity int, lowPct, highPct int, opts ...Option) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pagebuffer: capacity must be positive, got %d", capacity)
	}
	low, err := applyPercentage(lowPct, capacity)
	if err != nil {
		return nil, fmt.Errorf("pagebuffer: low watermark: %w", err)
	}
	high, err := applyPercentage(highPct, capacity)
	if err != nil {
		return nil, fmt.Errorf("pagebuffer: high watermark: %w", err)
	}
	if low > high {
		return nil, fmt.Errorf("pagebuffer: low watermark (%d) exceeds high watermark (%d)", low, high)
	}

	b := &Buffer{
		capacity:  capacity,
		slots:     make([]PageDescriptor, capacity),
		arena:     make([]byte, capacity*PageSize),
		freeList:  make([]*PageDescriptor, 0, capacity),
		busyQueue: list.New(),
		present:   make(map[Addr]*PageDescriptor, capacity),
		lowWater:  low,
		highWater: high,
		notify:    make(chan struct{}, 1),
		log:       logrus.StandardLogger().WithField("component", "pagebuffer"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cvFree = sync.NewCond(&b.mu)
	b.cvOldestReady = sync.NewCond(&b.mu)

	for i := range b.slots {
		b.slots[i].slot = i
		b.slots[i].state = Free
		b.freeList = append(b.freeList, &b.slots[i])
	}
	return b, nil
}

// Lock acquires the Buffer's single mutex. Callers compose multi-step
// sequences (lookup then acquire-for-fill, acquire-oldest then release)
// by holding the lock across them; every Locked-suffixed method below
// requires the caller to already hold it.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock releases the Buffer's mutex.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// Capacity returns the buffer's fixed page capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// Page returns the byte slice backing pd's resident content: the
// descriptor's slot, not its address, determines which region of the
// arena it occupies — descriptors are never allocated per page, so
// neither is their backing storage.
func (b *Buffer) Page(pd *PageDescriptor) []byte {
	off := pd.slot * PageSize
	return b.arena[off : off+PageSize]
}

// LookupLocked returns the descriptor for addr iff it is present.
// Precondition: lock held.
func (b *Buffer) LookupLocked(addr Addr) (*PageDescriptor, bool) {
	pd, ok := b.present[addr]
	return pd, ok
}

// AcquireForFillLocked obtains a Free descriptor for addr, blocking on
// cvFree while none is available. It transitions the descriptor
// Free->Filling and pushes it onto the busy queue; the caller owns the
// descriptor from this point until MarkPresentLocked or the fill-failure
// rollback path. Precondition: lock held; addr must not already be
// present. Returns ErrClosed if the buffer is closed while waiting.
func (b *Buffer) AcquireForFillLocked(addr Addr) (*PageDescriptor, error) {
	b.fillWaitingCount++
	for len(b.freeList) == 0 && !b.closed {
		b.cvFree.Wait()
	}
	b.fillWaitingCount--
	if b.closed {
		return nil, ErrClosed
	}

	n := len(b.freeList) - 1
	pd := b.freeList[n]
	b.freeList = b.freeList[:n]

	pd.addr = addr
	pd.dirty = false
	b.transitionLocked(pd, Free, Filling)
	pd.busyElem = b.busyQueue.PushBack(pd)
	b.notifyLocked()
	return pd, nil
}

// AbortFillLocked rolls a descriptor back out of the buffer after a
// backing-store read failure during fill: the descriptor is removed
// from the busy queue and returned to Free without ever reaching
// Present, bypassing the normal Leaving step.
func (b *Buffer) AbortFillLocked(pd *PageDescriptor) {
	if pd.state != Filling {
		b.fatalf("pagebuffer: abort-fill on descriptor in state %s, want FILLING", pd.state)
		return
	}
	if pd.busyElem != nil {
		b.busyQueue.Remove(pd.busyElem)
		pd.busyElem = nil
	}
	pd.state = Free
	pd.addr = 0
	pd.dirty = false
	b.freeList = append(b.freeList, pd)
	b.wakeFillWaiterLocked()
	b.notifyLocked()
}

// MarkPresentLocked transitions a Filling or Updating descriptor to
// Present, indexes it by address, and conditionally wakes an evictor
// blocked on this exact descriptor being the FIFO head. Precondition:
// lock held; pd.State() is Filling or Updating.
func (b *Buffer) MarkPresentLocked(pd *PageDescriptor) {
	from := pd.state
	if from != Filling && from != Updating {
		b.fatalf("pagebuffer: illegal transition %s -> PRESENT", from)
		return
	}
	b.transitionLocked(pd, from, Present)
	b.present[pd.addr] = pd
	if b.lastPDWaiting == pd {
		b.cvOldestReady.Signal()
	}
}

// BeginUpdateLocked transitions a Present descriptor to Updating ahead
// of a writer fault promoting a read-only resident page. The caller
// transitions it back to Present via MarkPresentLocked once the
// write-fault completes.
func (b *Buffer) BeginUpdateLocked(pd *PageDescriptor) {
	b.transitionLocked(pd, Present, Updating)
}

// AcquireOldestPresentLocked returns the oldest admitted, not-yet-evicted
// descriptor, blocking until it has reached Present if it has not yet
// (the strict-FIFO rule: an evictor never skips ahead of a page that is
// still filling). Returns (nil, false, nil) if the busy queue is empty.
// Precondition: lock held.
func (b *Buffer) AcquireOldestPresentLocked() (*PageDescriptor, bool, error) {
	front := b.busyQueue.Front()
	if front == nil {
		return nil, false, nil
	}
	pd := front.Value.(*PageDescriptor)
	for pd.state != Present && !b.closed {
		b.lastPDWaiting = pd
		b.cvOldestReady.Wait()
	}
	b.lastPDWaiting = nil
	if b.closed && pd.state != Present {
		return nil, false, ErrClosed
	}

	b.busyQueue.Remove(pd.busyElem)
	pd.busyElem = nil
	b.transitionLocked(pd, Present, Leaving)
	b.notifyLocked()
	return pd, true, nil
}

// AdviseEvictLocked mirrors the original umap project's
// uadvise(UADV_REMOVE): if addr is Present, it is pulled out of its
// FIFO position immediately and handed to the caller already
// transitioned to Leaving, regardless of whether it is the busy-queue
// head. This is the one exception to strict-FIFO eviction ordering,
// reserved for an explicit request rather than the watermark-driven
// background drain.
func (b *Buffer) AdviseEvictLocked(addr Addr) (*PageDescriptor, bool) {
	pd, ok := b.present[addr]
	if !ok || pd.state != Present {
		return nil, false
	}
	if pd.busyElem != nil {
		b.busyQueue.Remove(pd.busyElem)
		pd.busyElem = nil
	}
	b.transitionLocked(pd, Present, Leaving)
	b.notifyLocked()
	return pd, true
}

// ReleaseLocked returns a Leaving descriptor to Free, removing it from
// the present index if it is still there, and wakes a fill waiter if
// any are blocked. Precondition: pd.State() is Leaving.
func (b *Buffer) ReleaseLocked(pd *PageDescriptor) {
	if pd.state != Leaving {
		b.fatalf("pagebuffer: release on descriptor in state %s, want LEAVING", pd.state)
		return
	}
	delete(b.present, pd.addr)
	pd.state = Free
	pd.addr = 0
	pd.dirty = false
	b.freeList = append(b.freeList, pd)
	b.notifyLocked()
	b.wakeFillWaiterLocked()
}

// wakeFillWaiterLocked signals cvFree if any caller is blocked in
// AcquireForFillLocked, then briefly yields the lock so the waiter gets
// a fair chance to run before this goroutine re-enters the critical
// section, per the "conditional unlock/relock on release" design note.
func (b *Buffer) wakeFillWaiterLocked() {
	if b.fillWaitingCount <= 0 {
		return
	}
	b.cvFree.Signal()
	b.mu.Unlock()
	b.mu.Lock()
}

// HighWaterReachedLocked reports whether the busy queue has reached or
// exceeded the high watermark.
func (b *Buffer) HighWaterReachedLocked() bool {
	return b.busyQueue.Len() >= b.highWater
}

// LowWaterReachedLocked reports whether the busy queue has fallen to or
// below the low watermark.
func (b *Buffer) LowWaterReachedLocked() bool {
	return b.busyQueue.Len() <= b.lowWater
}

// Notify returns a channel that receives a value whenever the busy
// queue's length changes (admission, eviction, fill abort, or
// advise-evict); release signals it as well. The
// eviction manager selects on it instead of polling HighWaterReached.
func (b *Buffer) Notify() <-chan struct{} { return b.notify }

func (b *Buffer) notifyLocked() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// transitionLocked validates and applies a state transition, fataling
// the process on any pair not in the permitted transition table: any
// other transition is a programming error.
func (b *Buffer) transitionLocked(pd *PageDescriptor, from, to State) {
	if pd.state != from || !validTransition(from, to) {
		b.fatalf("pagebuffer: illegal state transition %s -> %s (descriptor actually in %s)", from, to, pd.state)
		return
	}
	pd.state = to
}

// Close shuts the buffer down: it asserts that no pages remain present
// (callers must quiesce the mapped region first), then broadcasts both
// condition variables so blocked fillers and evictors wake with
// ErrClosed. Closing a Buffer with any Present page left is a fatal
// programming error, not a recoverable one.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.present) != 0 {
		b.fatalf("pagebuffer: close with %d page(s) still present", len(b.present))
		return fmt.Errorf("pagebuffer: close with %d page(s) still present", len(b.present))
	}
	b.closed = true
	b.cvFree.Broadcast()
	b.cvOldestReady.Broadcast()
	return nil
}
