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

	"github.com/dice-group/umap/pkg/pagebuffer"
)

// Manager is the eviction-manager thread: it watches the Buffer's
// watermarks and enqueues EVICT tokens until the low water mark is
// reached. It reacts to pagebuffer.Buffer.Notify() instead of
// polling HighWaterReachedLocked on a timer, so an idle buffer costs
// the manager nothing.
type Manager struct {
	Buf   *pagebuffer.Buffer
	Queue *EvictQueue
	Log   *logrus.Entry
}

// Run drives the manager until ctx is canceled or the buffer's notify
// channel is closed (which pagebuffer.Buffer never does today, but the
// select keeps Run symmetric with the worker pools' shutdown path).
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-m.Buf.Notify():
			if !ok {
				return nil
			}
		}

		m.Buf.Lock()
		stats := m.Buf.StatsLocked()
		m.Buf.Unlock()

		if stats.Busy < stats.HighWater {
			continue
		}
		deficit := stats.Busy - stats.LowWater
		if deficit <= 0 {
			continue
		}
		m.Log.WithFields(logrus.Fields{"busy": stats.Busy, "low_water": stats.LowWater}).
			Debug("high water reached, draining to low water")
		for i := 0; i < deficit; i++ {
			m.Queue.Push(evictToken{})
		}
	}
}
