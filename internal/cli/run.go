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

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dice-group/umap/internal/config"
	"github.com/dice-group/umap/pkg/backingstore"
	"github.com/dice-group/umap/pkg/pagebuffer"
	"github.com/dice-group/umap/pkg/uffd"
	"github.com/dice-group/umap/pkg/worker"
)

var runPagesFlag int

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a synthetic fault workload through the buffer and worker pools",
		Long: `run constructs a Buffer, a file-backed store, and the fill/evict
worker pools from the config file, then replays a sequential run of page
faults through a uffd handler shim so every layer in the pipeline —
fault handling, filling, watermark-driven eviction, write-back — is
exercised end to end.`,
		RunE: runRun,
	}
	cmd.Flags().IntVar(&runPagesFlag, "pages", 1000, "number of distinct page addresses to fault in, in order")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return err
	}

	buf, err := pagebuffer.New(cfg.Buffer.Capacity, cfg.Buffer.LowWaterPct, cfg.Buffer.HighWaterPct,
		pagebuffer.WithLogger(log))
	if err != nil {
		return fmt.Errorf("bufferctl: constructing buffer: %w", err)
	}

	store, err := backingstore.OpenFile(backingstore.FileConfig{
		Path:            cfg.Backing.Path,
		MaxConcurrentIO: cfg.Backing.MaxConcurrentIO,
		IOBytesPerSec:   cfg.Backing.IOBytesPerSec,
		MaxWriteRetries: cfg.Backing.MaxWriteRetries,
		Durable:         cfg.Backing.Durable,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("bufferctl: opening backing store %s: %w", cfg.Backing.Path, err)
	}
	defer store.Close()

	numFill, fillPer := worker.PoolSizes(buf.Capacity(), cfg.Workers.MaxWorkers)
	numEvict, evictPer := worker.PoolSizes(buf.Capacity(), cfg.Workers.MaxWorkers)
	printBanner(log.WithField("component", "bufferctl"), buf.Capacity(), numFill, numEvict, fillPer, evictPer)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt := worker.Start(ctx, worker.Config{
		Buf:        buf,
		Store:      store,
		OffsetOf:   func(a pagebuffer.Addr) int64 { return int64(a) * pagebuffer.PageSize },
		Invalidate: func(pagebuffer.Addr) {}, // no mapped region to invalidate outside the kernel
		MaxWorkers: cfg.Workers.MaxWorkers,
		Log:        log,
	})

	source := &sequentialFaultSource{count: runPagesFlag}
	handler := &uffd.Handler{
		Buf:      buf,
		Source:   source,
		Fill:     rt.FillQueue,
		OffsetOf: func(a pagebuffer.Addr) int64 { return int64(a) * pagebuffer.PageSize },
		Log:      log.WithField("component", "uffd"),
	}

	if err := handler.Run(ctx); err != nil {
		return fmt.Errorf("bufferctl: fault handler: %w", err)
	}

	if err := buf.FlushAll(ctx, func(ctx context.Context, addr pagebuffer.Addr) error {
		return store.WritePage(ctx, int64(addr)*pagebuffer.PageSize, buf.Page(mustLookup(buf, addr)))
	}); err != nil {
		return fmt.Errorf("bufferctl: final flush: %w", err)
	}

	fmt.Println(buf.Render())
	return rt.Shutdown()
}

// mustLookup re-resolves addr's descriptor under the buffer lock; used
// only by the FlushAll callbacks in run and flush, which FlushAll calls
// while addr is still indexed (held in Updating for the write-back).
func mustLookup(buf *pagebuffer.Buffer, addr pagebuffer.Addr) *pagebuffer.PageDescriptor {
	buf.Lock()
	defer buf.Unlock()
	pd, _ := buf.LookupLocked(addr)
	return pd
}

// sequentialFaultSource is the CLI's synthetic FaultSource: it delivers
// one read fault per address in [0, count) and then closes, standing in
// for a real userfaultfd stream during a demonstration run.
type sequentialFaultSource struct {
	count int
	next  int
}

func (s *sequentialFaultSource) Next(ctx context.Context) (uffd.Fault, error) {
	if s.next >= s.count {
		return uffd.Fault{}, uffd.ErrSourceClosed
	}
	f := uffd.Fault{Addr: pagebuffer.Addr(s.next), Kind: uffd.Read}
	s.next++
	return f, nil
}

func (s *sequentialFaultSource) Rearm(pagebuffer.Addr) error { return nil }
