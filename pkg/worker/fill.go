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

// FillItem is a unit of work for a fill worker: read the page at Offset
// in the backing store into Descriptor's slot. Done, if non-nil,
// receives the outcome so the originating fault handler can unblock.
type FillItem struct {
	Descriptor *pagebuffer.PageDescriptor
	Offset     int64
	Done       chan error
}

// FillQueue is the fill-worker role's work queue.
type FillQueue = workqueue.Queue[FillItem]

// NewFillQueue constructs an empty fill queue.
func NewFillQueue() *FillQueue { return workqueue.New[FillItem]() }

// FillPool runs the fill-worker loop: pop a FILL item, read the page
// in, mark it Present, signal completion.
type FillPool struct {
	Buf   *pagebuffer.Buffer
	Store backingstore.Store
	Queue *FillQueue
	Log   *logrus.Entry
}

// Run drives one fill-worker goroutine until the queue is closed.
func (p *FillPool) Run(ctx context.Context, workerID int) error {
	log := p.Log.WithField("worker_id", workerID).WithField("role", "fill")
	for {
		item, ok := p.Queue.Pop()
		if !ok {
			log.Debug("fill worker stopping: queue closed")
			return nil
		}

		page := p.Buf.Page(item.Descriptor)
		err := p.Store.ReadPage(ctx, item.Offset, page)

		p.Buf.Lock()
		if err != nil {
			log.WithError(err).WithField("addr", item.Descriptor.Addr()).
				Warn("fill failed, rolling back descriptor")
			p.Buf.AbortFillLocked(item.Descriptor)
		} else {
			p.Buf.MarkPresentLocked(item.Descriptor)
		}
		p.Buf.Unlock()

		if item.Done != nil {
			item.Done <- err
		}
	}
}
