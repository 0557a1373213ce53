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
	"golang.org/x/sync/errgroup"

	"github.com/dice-group/umap/pkg/backingstore"
	"github.com/dice-group/umap/pkg/pagebuffer"
)

// Config configures a Runtime: the worker-pool sizes and the
// collaborators each pool needs.
type Config struct {
	Buf        *pagebuffer.Buffer
	Store      backingstore.Store
	OffsetOf   OffsetFunc
	Invalidate InvalidateFunc
	MaxWorkers int // cap shared by both pools; see PoolSizes
	Log        *logrus.Logger
}

// Runtime owns the fill queue, evict queue, eviction manager, and both
// worker pools for one Buffer: Shutdown closes both work queues,
// cancels the run context, and joins every worker.
type Runtime struct {
	cfg       Config
	FillQueue *FillQueue
	EvictQ    *EvictQueue
	group     *errgroup.Group
	cancel    context.CancelFunc
}

// Start launches the fill-worker pool, evict-worker pool, and eviction
// manager as an errgroup.Group bound to a derived context: if any
// worker returns a non-nil error (e.g. a write-back that would lose a
// dirty page, surfaced before the logger's ExitFunc terminates the
// process in production), the group cancels the rest.
func Start(ctx context.Context, cfg Config) *Runtime {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithField("component", "worker")

	numFill, _ := PoolSizes(cfg.Buf.Capacity(), cfg.MaxWorkers)
	numEvict, _ := PoolSizes(cfg.Buf.Capacity(), cfg.MaxWorkers)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	rt := &Runtime{
		cfg:       cfg,
		FillQueue: NewFillQueue(),
		EvictQ:    NewEvictQueue(),
		group:     g,
		cancel:    cancel,
	}

	fillPool := &FillPool{Buf: cfg.Buf, Store: cfg.Store, Queue: rt.FillQueue, Log: entry}
	for i := 0; i < numFill; i++ {
		id := i
		g.Go(func() error { return fillPool.Run(gctx, id) })
	}

	evictPool := &EvictPool{
		Buf: cfg.Buf, Store: cfg.Store, Queue: rt.EvictQ,
		OffsetOf: cfg.OffsetOf, Invalidate: cfg.Invalidate, Log: entry,
	}
	for i := 0; i < numEvict; i++ {
		id := i
		g.Go(func() error { return evictPool.Run(gctx, id) })
	}

	mgr := &Manager{Buf: cfg.Buf, Queue: rt.EvictQ, Log: entry}
	g.Go(func() error { return mgr.Run(gctx) })

	return rt
}

// Shutdown closes both work queues so every worker observes a clean
// exit from Pop, cancels the run context, and joins all of them.
func (rt *Runtime) Shutdown() error {
	rt.FillQueue.Close()
	rt.EvictQ.Close()
	rt.cancel()
	return rt.group.Wait()
}
