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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dice-group/umap/pkg/pagebuffer"
)

// fakeStore is an in-memory backingstore.Store that counts writes, so
// tests can assert that only dirty pages trigger a write-back.
type fakeStore struct {
	mu     sync.Mutex
	pages  map[int64][]byte
	writes atomic.Int64
}

func newFakeStore() *fakeStore { return &fakeStore{pages: make(map[int64][]byte)} }

func (s *fakeStore) ReadPage(_ context.Context, offset int64, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[offset]; ok {
		copy(dst, p)
	}
	return nil
}

func (s *fakeStore) WritePage(_ context.Context, offset int64, src []byte) error {
	s.writes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(src))
	copy(cp, src)
	s.pages[offset] = cp
	return nil
}

func (s *fakeStore) Close() error { return nil }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestPoolSizesDistributesResidual(t *testing.T) {
	numWorkers, perWorker := PoolSizes(10, 4)
	require.Equal(t, 4, numWorkers)
	sum := 0
	for _, n := range perWorker {
		sum += n
	}
	require.Equal(t, 10, sum)
	// residual (10 % 4 = 2) goes to the first two workers.
	require.Equal(t, []int{3, 3, 2, 2}, perWorker)
}

func TestPoolSizesCapsAtCapacity(t *testing.T) {
	numWorkers, perWorker := PoolSizes(2, 16)
	require.Equal(t, 2, numWorkers)
	require.Equal(t, []int{1, 1}, perWorker)
}

func TestFillEvictCycleWritesBackOnlyDirtyPages(t *testing.T) {
	buf, err := pagebuffer.New(2, 100, 100)
	require.NoError(t, err)
	store := newFakeStore()
	log := testLogger().WithField("test", "fill-evict")

	fillQ := NewFillQueue()
	fp := &FillPool{Buf: buf, Store: store, Queue: fillQ, Log: log}
	go fp.Run(context.Background(), 0)

	// Page A: filled, never written, evicted clean.
	buf.Lock()
	pdA, err := buf.AcquireForFillLocked(pagebuffer.Addr(0x1000))
	require.NoError(t, err)
	buf.Unlock()
	doneA := make(chan error, 1)
	fillQ.Push(FillItem{Descriptor: pdA, Offset: 0x1000, Done: doneA})
	require.NoError(t, <-doneA)

	// Page B: filled, marked dirty, evicted with exactly one write.
	buf.Lock()
	pdB, err := buf.AcquireForFillLocked(pagebuffer.Addr(0x2000))
	require.NoError(t, err)
	buf.Unlock()
	doneB := make(chan error, 1)
	fillQ.Push(FillItem{Descriptor: pdB, Offset: 0x2000, Done: doneB})
	require.NoError(t, <-doneB)

	buf.Lock()
	buf.BeginUpdateLocked(pdB)
	pdB.MarkDirty()
	buf.MarkPresentLocked(pdB)
	buf.Unlock()

	evictQ := NewEvictQueue()
	ep := &EvictPool{
		Buf: buf, Store: store, Queue: evictQ,
		OffsetOf: func(a pagebuffer.Addr) int64 { return int64(a) },
		Log:      log,
	}
	go ep.Run(context.Background(), 0)

	evictQ.Push(evictToken{})
	evictQ.Push(evictToken{})

	require.Eventually(t, func() bool {
		buf.Lock()
		defer buf.Unlock()
		return buf.StatsLocked().Present == 0
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int64(1), store.writes.Load())

	fillQ.Close()
	evictQ.Close()
}

func TestManagerDrainsToLowWater(t *testing.T) {
	buf, err := pagebuffer.New(4, 50, 100)
	require.NoError(t, err)
	store := newFakeStore()
	log := testLogger().WithField("test", "manager")

	evictQ := NewEvictQueue()
	mgr := &Manager{Buf: buf, Queue: evictQ, Log: log}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	ep := &EvictPool{
		Buf: buf, Store: store, Queue: evictQ,
		OffsetOf: func(a pagebuffer.Addr) int64 { return int64(a) },
		Log:      log,
	}
	go ep.Run(ctx, 0)

	buf.Lock()
	for i := 0; i < 4; i++ {
		pd, err := buf.AcquireForFillLocked(pagebuffer.Addr(i + 1))
		require.NoError(t, err)
		buf.MarkPresentLocked(pd)
	}
	buf.Unlock()

	require.Eventually(t, func() bool {
		buf.Lock()
		defer buf.Unlock()
		return buf.LowWaterReachedLocked()
	}, time.Second, 5*time.Millisecond)

	evictQ.Close()
}
