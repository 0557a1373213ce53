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

package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dice-group/umap/pkg/backingstore"
	"github.com/dice-group/umap/pkg/pagebuffer"
	"github.com/dice-group/umap/pkg/workqueue"
)

// evictToken is the bare EVICT work item: the eviction manager knows a
// page should leave, not which one — AcquireOldestPresentLocked
// resolves that, under the Buffer lock, at the moment an evict worker
// actually pops a token, since the manager cannot know in advance which
// descriptor will have reached Present by the time a worker is free to
// handle it.
type evictToken struct{}

// EvictQueue is the evict-worker role's work queue.
type EvictQueue = workqueue.Queue[evictToken]

// NewEvictQueue constructs an empty evict queue.
func NewEvictQueue() *EvictQueue { return workqueue.New[evictToken]() }

// OffsetFunc maps a resident page's virtual address to its backing-store
// offset. The per-region registry that would normally own this mapping
// is out of scope for this package; callers supply whatever function
// fits their single region.
type OffsetFunc func(pagebuffer.Addr) int64

// InvalidateFunc removes a page from the mapped address space once its
// descriptor has been written back, immediately before it is released.
// The real implementation belongs to the userfaultfd/mmap collaborator;
// it is a caller-supplied callback here so this package has no
// dependency on that mechanism.
type InvalidateFunc func(pagebuffer.Addr)

// EvictPool runs the evict-worker loop: pop an EVICT token, acquire the
// oldest Present descriptor, write it back if dirty, invalidate it in
// the mapped region, release it.
type EvictPool struct {
	Buf        *pagebuffer.Buffer
	Store      backingstore.Store
	Queue      *EvictQueue
	OffsetOf   OffsetFunc
	Invalidate InvalidateFunc
	Log        *logrus.Entry
}

// Run drives one evict-worker goroutine until the queue is closed.
func (p *EvictPool) Run(ctx context.Context, workerID int) error {
	log := p.Log.WithField("worker_id", workerID).WithField("role", "evict")
	for {
		_, ok := p.Queue.Pop()
		if !ok {
			log.Debug("evict worker stopping: queue closed")
			return nil
		}

		p.Buf.Lock()
		pd, found, err := p.Buf.AcquireOldestPresentLocked()
		p.Buf.Unlock()
		if err != nil {
			log.Debug("evict worker stopping: buffer closed")
			return nil
		}
		if !found {
			// Spurious token: the manager observed high-water but
			// everything already drained before this worker got to it.
			continue
		}

		if pd.Dirty() {
			off := p.OffsetOf(pd.Addr())
			if werr := p.Store.WritePage(ctx, off, p.Buf.Page(pd)); werr != nil {
				if backingstore.IsRetryable(werr) {
					// WritePage already exhausts its own retry budget
					// before returning; a Retryable error here would be
					// a backingstore bug, not a transient condition.
					log.WithError(werr).Error("unexpected retryable error from exhausted write-back")
				}
				log.WithError(werr).WithField("addr", pd.Addr()).
					Fatal("write-back failed permanently; dirty page cannot be dropped")
				return werr
			}
		}

		if p.Invalidate != nil {
			p.Invalidate(pd.Addr())
		}

		p.Buf.Lock()
		p.Buf.ReleaseLocked(pd)
		p.Buf.Unlock()
	}
}
