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

import "context"

// WritebackFunc writes a descriptor's dirty page to the backing store.
// It is supplied by the caller (bufferctl's run and flush commands wire
// backingstore.Store into it) rather than imported by pagebuffer, which
// has no knowledge of backing stores.
type WritebackFunc func(ctx context.Context, addr Addr) error

// FlushAll writes back every currently dirty Present page without
// evicting it, mirroring the original umap project's
// umap_cfg_flush_buffer. It borrows the existing Present<->Updating transition
// to give the flush exclusive ownership of each descriptor's dirty bit
// for the duration of its own writeback, the same way a writer fault
// would. Present pages that are not dirty, and pages already mid-flight
// in Filling/Updating/Leaving, are left untouched.
func (b *Buffer) FlushAll(ctx context.Context, writeback WritebackFunc) error {
	b.mu.Lock()
	var targets []*PageDescriptor
	for e := b.busyQueue.Front(); e != nil; e = e.Next() {
		pd := e.Value.(*PageDescriptor)
		if pd.state == Present && pd.dirty {
			b.transitionLocked(pd, Present, Updating)
			targets = append(targets, pd)
		}
	}
	b.mu.Unlock()

	var firstErr error
	for _, pd := range targets {
		addr := pd.addr
		err := writeback(ctx, addr)

		b.mu.Lock()
		if err == nil {
			pd.dirty = false
		}
		b.transitionLocked(pd, Updating, Present)
		b.mu.Unlock()

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
