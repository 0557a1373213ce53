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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dice-group/umap/internal/config"
	"github.com/dice-group/umap/pkg/pagebuffer"
	"github.com/dice-group/umap/pkg/worker"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the pool sizing and watermark configuration a config file would produce",
		Long: `stats constructs an empty Buffer from the config file and prints the
same capacity, watermark, and worker-pool banner that run prints at
startup, without touching the backing file. Useful for checking a
config before running a real workload against it.`,
		RunE: runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
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
	defer buf.Close()

	numFill, fillPer := worker.PoolSizes(buf.Capacity(), cfg.Workers.MaxWorkers)
	numEvict, evictPer := worker.PoolSizes(buf.Capacity(), cfg.Workers.MaxWorkers)
	printBanner(log.WithField("component", "bufferctl"), buf.Capacity(), numFill, numEvict, fillPer, evictPer)

	fmt.Println(buf.Render())
	return nil
}
