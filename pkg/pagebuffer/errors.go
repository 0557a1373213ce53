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

import "errors"

// ErrClosed is returned by blocking Buffer operations that were woken
// by Close rather than by the condition they were waiting for.
var ErrClosed = errors.New("pagebuffer: buffer closed")

// fatalf logs a programming-error diagnostic and terminates the
// process: invalid state transitions and destruction with resident
// pages are fatal, non-recoverable errors with a diagnostic to stderr.
// Tests override b.log.Logger.ExitFunc to observe this without
// actually exiting.
func (b *Buffer) fatalf(format string, args ...interface{}) {
	b.log.Fatalf(format, args...)
}
