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

// applyPercentage converts an integer watermark percentage into an
// absolute page count. A percentage of 0 or 100 yields capacity exactly,
// so either one places the watermark at a completely full buffer; any
// other value is computed
// with floating-point multiplication rather than an integer-only floor,
// matching the original umap project's watermark arithmetic.
func applyPercentage(pct int, capacity int) (int, error) {
	if pct < 0 || pct > 100 {
		return 0, invalidPercentageError{pct}
	}
	if pct == 0 || pct == 100 {
		return capacity, nil
	}
	f := float64(pct) / 100.0
	return int(f * float64(capacity)), nil
}

type invalidPercentageError struct{ pct int }

func (e invalidPercentageError) Error() string {
	return "pagebuffer: invalid watermark percentage"
}
