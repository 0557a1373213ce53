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
)

var flushPagesFlag int

func newFlushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Fill a handful of pages, dirty them, and flush the buffer without evicting",
		Long: `flush exercises the supplemented FlushAll operation: it fills a
small number of pages directly (bypassing the fault-handler path, since
there's nothing faulting in a one-shot CLI command), marks them dirty,
then calls FlushAll and reports how many pages were written back and
that none of them left Present.`,
		RunE: runFlush,
	}
	cmd.Flags().IntVar(&flushPagesFlag, "pages", 8, "number of pages to fill and dirty before flushing")
	return cmd
}

func runFlush(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return err
	}
	if flushPagesFlag > cfg.Buffer.Capacity {
		return fmt.Errorf("bufferctl: --pages (%d) exceeds buffer capacity (%d)", flushPagesFlag, cfg.Buffer.Capacity)
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

	buf.Lock()
	for i := 0; i < flushPagesFlag; i++ {
		addr := pagebuffer.Addr(i)
		pd, err := buf.AcquireForFillLocked(addr)
		if err != nil {
			buf.Unlock()
			return fmt.Errorf("bufferctl: acquiring descriptor for %s: %w", addr, err)
		}
		buf.MarkPresentLocked(pd)
		pd.MarkDirty()
	}
	buf.Unlock()

	written := 0
	err = buf.FlushAll(cmd.Context(), func(ctx context.Context, addr pagebuffer.Addr) error {
		written++
		return store.WritePage(ctx, int64(addr)*pagebuffer.PageSize, buf.Page(mustLookup(buf, addr)))
	})
	if err != nil {
		return fmt.Errorf("bufferctl: flush: %w", err)
	}

	fmt.Printf("flushed %d page(s)\n", written)
	fmt.Println(buf.Render())
	return nil
}
