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

// Package worker implements the fill-worker pool, evict-worker pool,
// and eviction manager: the consumers of work items derived from
// Buffer state.
package worker

// PoolSizes derives how many fill (or evict) worker goroutines to run
// for a buffer of the given capacity, and each worker's share of pages,
// the same division the original umap project's startup banner performs
// for buffer_pages_per_worker / buffer_residual_pages: the worker count
// is capped at maxWorkers, capacity is divided evenly across them, and
// any remainder is handed out one page at a time to the first workers
// rather than piled onto the last one.
func PoolSizes(capacity, maxWorkers int) (numWorkers int, perWorker []int) {
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	numWorkers = capacity
	if numWorkers > maxWorkers {
		numWorkers = maxWorkers
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	base := capacity / numWorkers
	residual := capacity % numWorkers
	perWorker = make([]int, numWorkers)
	for i := range perWorker {
		perWorker[i] = base
		if residual > 0 {
			perWorker[i]++
			residual--
		}
	}
	return numWorkers, perWorker
}
