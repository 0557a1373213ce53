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

// Package cli assembles bufferctl's cobra command tree.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPathFlag string
	verboseFlag    bool
)

// Execute builds and runs the bufferctl command tree.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd constructs the root command and attaches every subcommand.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bufferctl",
		Short:         "Drive and inspect a user-space page buffer",
		Long:          "bufferctl constructs a page buffer, a file-backed store, and a fill/evict worker pool from a TOML config, and exposes commands to run a fault-driven workload against them and inspect the result.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPathFlag, "config", "bufferctl.toml", "path to the TOML config file")
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newFlushCmd())
	return root
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func printBanner(log *logrus.Entry, capacity, numFill, numEvict int, fillPer, evictPer []int) {
	log.WithFields(logrus.Fields{
		"capacity":               capacity,
		"fill_workers":           numFill,
		"pages_per_fill_worker":  fmt.Sprint(fillPer),
		"evict_workers":          numEvict,
		"pages_per_evict_worker": fmt.Sprint(evictPer),
	}).Info("bufferctl starting")
}
