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

import "fmt"

// Stats is the rendering hook's structured form, used by tests that
// want to assert on specific fields instead of scraping Render's
// string. It mirrors the fields the original umap Buffer::operator<<
// dump prints, plus the watermarks.
type Stats struct {
	Capacity         int
	FillWaitingCount int
	Present          int
	Free             int
	Busy             int
	LowWater         int
	HighWater        int
}

// StatsLocked snapshots the buffer's counters. Precondition: lock held.
func (b *Buffer) StatsLocked() Stats {
	return Stats{
		Capacity:         b.capacity,
		FillWaitingCount: b.fillWaitingCount,
		Present:          len(b.present),
		Free:             len(b.freeList),
		Busy:             b.busyQueue.Len(),
		LowWater:         b.lowWater,
		HighWater:        b.highWater,
	}
}

// Render produces the human-readable dump used by the bufferctl CLI and
// by debugging, the Go equivalent of the original source's
// Buffer::operator<<.
func (b *Buffer) Render() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.StatsLocked()
	return fmt.Sprintf(
		"{ capacity: %d, fill_waiting_count: %d, present: %2d, free: %2d, busy: %2d, low_water: %2d, high_water: %2d }",
		s.Capacity, s.FillWaitingCount, s.Present, s.Free, s.Busy, s.LowWater, s.HighWater,
	)
}
