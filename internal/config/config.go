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

// Package config loads bufferctl's TOML configuration file: the Buffer's
// capacity and watermarks, the worker pool sizing cap, and the backing
// file's path and throttling limits.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk shape of bufferctl.toml.
type Config struct {
	Buffer  Buffer  `toml:"buffer"`
	Backing Backing `toml:"backing"`
	Workers Workers `toml:"workers"`
}

// Buffer configures the page buffer's capacity and watermark percentages.
type Buffer struct {
	Capacity     int `toml:"capacity"`
	LowWaterPct  int `toml:"low_water_pct"`
	HighWaterPct int `toml:"high_water_pct"`
}

// Backing configures the file-backed store.
type Backing struct {
	Path            string `toml:"path"`
	Durable         bool   `toml:"durable"`
	MaxConcurrentIO int64  `toml:"max_concurrent_io"`
	IOBytesPerSec   int64  `toml:"io_bytes_per_sec"`
	MaxWriteRetries uint64 `toml:"max_write_retries"`
}

// Workers caps the fill- and evict-worker pool sizes.
type Workers struct {
	MaxWorkers int `toml:"max_workers"`
}

// Default returns the configuration bufferctl uses when no config file
// is present: a small buffer backed by a file in the working directory.
func Default() *Config {
	return &Config{
		Buffer: Buffer{Capacity: 256, LowWaterPct: 50, HighWaterPct: 90},
		Backing: Backing{
			Path:            "bufferctl.pages",
			MaxConcurrentIO: 32,
			MaxWriteRetries: 5,
		},
		Workers: Workers{MaxWorkers: 4},
	}
}

// Load reads path and merges it onto Default(); a missing file is not
// an error, it just means the caller runs with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
