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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newTestBuffer builds a Buffer whose fatal path panics instead of
// exiting the process, via logrus's ExitFunc hook, so tests can assert
// on destruction-guard and invalid-transition failures without killing
// the test binary.
func newTestBuffer(t *testing.T, capacity, lowPct, highPct int) *Buffer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.ExitFunc = func(int) { panic("pagebuffer: fatal") }
	b, err := New(capacity, lowPct, highPct, WithLogger(log))
	require.NoError(t, err)
	return b
}

func TestWatermarkMath(t *testing.T) {
	cases := []struct {
		capacity, pct, want int
	}{
		{100, 75, 75},
		{100, 100, 100},
		{10, 33, 3},
		{10, 0, 10},
	}
	for _, c := range cases {
		got, err := applyPercentage(c.pct, c.capacity)
		require.NoError(t, err)
		require.Equal(t, c.want, got, "capacity=%d pct=%d", c.capacity, c.pct)
	}
}

func TestAcquireForFillAndMarkPresentRoundTrip(t *testing.T) {
	b := newTestBuffer(t, 4, 50, 100)
	b.Lock()
	defer b.Unlock()

	freeBefore := len(b.freeList)
	pd, err := b.AcquireForFillLocked(Addr(0x1000))
	require.NoError(t, err)
	require.Equal(t, Filling, pd.State())
	require.Equal(t, Addr(0x1000), pd.Addr())
	require.False(t, pd.Dirty())

	b.MarkPresentLocked(pd)
	require.Equal(t, Present, pd.State())

	got, ok := b.LookupLocked(Addr(0x1000))
	require.True(t, ok)
	require.Same(t, pd, got)

	out, ok, err := b.AcquireOldestPresentLocked()
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, pd, out)

	b.ReleaseLocked(out)
	require.Equal(t, Free, out.State())
	require.Equal(t, freeBefore, len(b.freeList))
}

func TestIdempotentLookup(t *testing.T) {
	b := newTestBuffer(t, 2, 50, 100)
	b.Lock()
	pd, err := b.AcquireForFillLocked(Addr(1))
	require.NoError(t, err)
	b.MarkPresentLocked(pd)
	b.Unlock()

	b.Lock()
	first, ok := b.LookupLocked(Addr(1))
	require.True(t, ok)
	second, ok := b.LookupLocked(Addr(1))
	require.True(t, ok)
	require.Same(t, first, second)
	b.Unlock()
}

// TestFIFOEvictionOrder verifies that the first evict returns the FIFO
// head even though a later-admitted page became Present first.
func TestFIFOEvictionOrder(t *testing.T) {
	b := newTestBuffer(t, 4, 50, 100)
	b.Lock()

	pages := []Addr{0xA0, 0xA1, 0xA2, 0xA3}
	pds := make([]*PageDescriptor, len(pages))
	for i, a := range pages {
		pd, err := b.AcquireForFillLocked(a)
		require.NoError(t, err)
		pds[i] = pd
	}
	require.True(t, b.HighWaterReachedLocked())

	// Mark present out of admission order: P2, P0, P3, P1.
	order := []int{2, 0, 3, 1}
	for _, i := range order {
		b.MarkPresentLocked(pds[i])
	}
	b.Unlock()

	var evicted []Addr
	for i := 0; i < 2; i++ {
		b.Lock()
		pd, ok, err := b.AcquireOldestPresentLocked()
		require.NoError(t, err)
		require.True(t, ok)
		evicted = append(evicted, pd.Addr())
		b.ReleaseLocked(pd)
		b.Unlock()
	}
	require.Equal(t, []Addr{pages[0], pages[1]}, evicted)
}

// TestBlockingFillUnblocksOnRelease verifies that a fill blocked on an
// empty free list wakes as soon as an evict releases a descriptor.
func TestBlockingFillUnblocksOnRelease(t *testing.T) {
	b := newTestBuffer(t, 2, 50, 100)
	b.Lock()
	p0, err := b.AcquireForFillLocked(Addr(0))
	require.NoError(t, err)
	b.MarkPresentLocked(p0)
	p1, err := b.AcquireForFillLocked(Addr(1))
	require.NoError(t, err)
	b.MarkPresentLocked(p1)
	b.Unlock()

	var wg sync.WaitGroup
	result := make(chan *PageDescriptor, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Lock()
		pd, err := b.AcquireForFillLocked(Addr(2))
		b.Unlock()
		require.NoError(t, err)
		result <- pd
	}()

	// Give the goroutine a chance to actually block before evicting.
	time.Sleep(20 * time.Millisecond)

	b.Lock()
	evicted, ok, err := b.AcquireOldestPresentLocked()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Addr(0), evicted.Addr())
	b.ReleaseLocked(evicted)
	b.Unlock()

	wg.Wait()
	pd := <-result
	require.Equal(t, Addr(2), pd.Addr())
	require.False(t, pd.Dirty())
}

// TestConditionalOldestReadySignal verifies that marking a descriptor
// present does not wake an evictor blocked on a different descriptor.
func TestConditionalOldestReadySignal(t *testing.T) {
	b := newTestBuffer(t, 3, 100, 100)
	b.Lock()
	p0, err := b.AcquireForFillLocked(Addr(0))
	require.NoError(t, err)
	p1, err := b.AcquireForFillLocked(Addr(1))
	require.NoError(t, err)
	p2, err := b.AcquireForFillLocked(Addr(2))
	require.NoError(t, err)
	b.Unlock()

	woken := make(chan struct{})
	go func() {
		b.Lock()
		pd, ok, err := b.AcquireOldestPresentLocked()
		b.Unlock()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, Addr(0), pd.Addr())
		close(woken)
	}()

	// Let the evictor block on P0 first.
	time.Sleep(20 * time.Millisecond)

	b.Lock()
	require.Same(t, p0, b.lastPDWaiting)
	b.MarkPresentLocked(p2)
	b.Unlock()

	select {
	case <-woken:
		t.Fatal("evictor woke on an unrelated mark_present")
	case <-time.After(20 * time.Millisecond):
	}

	b.Lock()
	b.MarkPresentLocked(p1)
	b.Unlock()

	select {
	case <-woken:
		t.Fatal("evictor woke on an unrelated mark_present")
	case <-time.After(20 * time.Millisecond):
	}

	b.Lock()
	b.MarkPresentLocked(p0)
	b.Unlock()

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("evictor never woke after its own page became present")
	}
}

func TestDestructionGuardAbortsOnResidentPage(t *testing.T) {
	b := newTestBuffer(t, 1, 50, 100)
	b.Lock()
	pd, err := b.AcquireForFillLocked(Addr(1))
	require.NoError(t, err)
	b.MarkPresentLocked(pd)
	b.Unlock()

	require.Panics(t, func() { _ = b.Close() })
}

func TestCloseWithEmptyPresentSucceeds(t *testing.T) {
	b := newTestBuffer(t, 1, 50, 100)
	require.NoError(t, b.Close())
}

func TestInvalidTransitionIsFatal(t *testing.T) {
	b := newTestBuffer(t, 1, 50, 100)
	b.Lock()
	pd, err := b.AcquireForFillLocked(Addr(1))
	require.NoError(t, err)
	b.Unlock()

	// Releasing a Filling descriptor (instead of Leaving) is illegal.
	require.Panics(t, func() {
		b.Lock()
		defer b.Unlock()
		b.ReleaseLocked(pd)
	})
}

func TestInvariantFreePlusBusyEqualsCapacity(t *testing.T) {
	b := newTestBuffer(t, 5, 50, 100)
	b.Lock()
	defer b.Unlock()
	for i := 0; i < 3; i++ {
		_, err := b.AcquireForFillLocked(Addr(i + 1))
		require.NoError(t, err)
	}
	require.Equal(t, b.Capacity(), len(b.freeList)+b.busyQueue.Len())
}

func TestAdviseEvictOutOfOrder(t *testing.T) {
	b := newTestBuffer(t, 3, 100, 100)
	b.Lock()
	pds := make([]*PageDescriptor, 3)
	for i := range pds {
		pd, err := b.AcquireForFillLocked(Addr(i + 1))
		require.NoError(t, err)
		b.MarkPresentLocked(pd)
		pds[i] = pd
	}

	// Advise-evict the middle page, out of FIFO order.
	pd, ok := b.AdviseEvictLocked(Addr(2))
	require.True(t, ok)
	require.Equal(t, Leaving, pd.State())
	b.ReleaseLocked(pd)

	// The FIFO head (addr 1) is still the next ordinary eviction target.
	next, ok, err := b.AcquireOldestPresentLocked()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Addr(1), next.Addr())
	b.Unlock()
}
