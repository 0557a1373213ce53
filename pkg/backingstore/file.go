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

package backingstore

import (
	"context"
	"fmt"
	"os"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// FileConfig configures a file-backed Store.
type FileConfig struct {
	// Path to the backing file. Opened read-write; created if absent.
	Path string

	// MaxConcurrentIO bounds the number of in-flight Pread/Pwrite
	// calls, independent of how many fill/evict workers exist — the
	// same separation of worker-pool size from I/O concurrency that
	// vecgo's resource.Controller draws between bgSem and memSem.
	// Defaults to 32 if <= 0.
	MaxConcurrentIO int64

	// IOBytesPerSec optionally caps aggregate read+write throughput.
	// Zero means unlimited.
	IOBytesPerSec int64

	// MaxWriteRetries bounds the number of times a failed WritePage is
	// retried with exponential backoff before it is surfaced as Fatal.
	// Defaults to 5 if <= 0.
	MaxWriteRetries uint64

	// Durable, if true, calls fdatasync after every successful
	// WritePage, upgrading the default guarantee (a dirty page is
	// written back before eviction completes) to survive a crash.
	Durable bool

	Logger *logrus.Logger
}

// FileStore is a backingstore.Store backed by a single regular file,
// addressed with positioned I/O (Pread/Pwrite) so concurrent fill and
// evict workers never race over a shared file offset — the same reason
// gvisor's platform backends reach for golang.org/x/sys/unix instead of
// the os package's offset-mutating Read/Write.
type FileStore struct {
	f       *os.File
	fd      int
	ioSem   *semaphore.Weighted
	limiter *rate.Limiter
	retries uint64
	durable bool
	log     *logrus.Entry
}

// OpenFile opens or creates the backing file named by cfg.Path.
func OpenFile(cfg FileConfig) (*FileStore, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backingstore: open %s: %w", cfg.Path, err)
	}

	maxIO := cfg.MaxConcurrentIO
	if maxIO <= 0 {
		maxIO = 32
	}
	retries := cfg.MaxWriteRetries
	if retries == 0 {
		retries = 5
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var limiter *rate.Limiter
	if cfg.IOBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), int(cfg.IOBytesPerSec))
	}

	return &FileStore{
		f:       f,
		fd:      int(f.Fd()),
		ioSem:   semaphore.NewWeighted(maxIO),
		limiter: limiter,
		retries: retries,
		durable: cfg.Durable,
		log:     log.WithField("component", "backingstore"),
	}, nil
}

// ReadPage reads len(dst) bytes from offset. Read failures are always
// classified Retryable: a transient read failure simply stalls the
// fault that requested it, it does not risk losing data the way a
// failed write-back would.
func (s *FileStore) ReadPage(ctx context.Context, offset int64, dst []byte) error {
	if err := s.throttle(ctx, len(dst)); err != nil {
		return err
	}
	defer s.ioSem.Release(1)

	n, err := unix.Pread(s.fd, dst, offset)
	if err != nil {
		return &Error{Err: fmt.Errorf("pread at %d: %w", offset, err), Class: Retryable}
	}
	if n != len(dst) {
		return &Error{Err: fmt.Errorf("short read at %d: got %d of %d bytes", offset, n, len(dst)), Class: Retryable}
	}
	return nil
}

// WritePage writes src to offset, retrying transient failures with
// bounded exponential backoff before giving up and returning a
// Fatal-classified error. Terminating the process on that error is the
// evict worker's job; WritePage's job is only to exhaust the retry
// budget.
func (s *FileStore) WritePage(ctx context.Context, offset int64, src []byte) error {
	op := func() error {
		if err := s.throttle(ctx, len(src)); err != nil {
			return backoff.Permanent(err)
		}
		defer s.ioSem.Release(1)

		n, err := unix.Pwrite(s.fd, src, offset)
		if err != nil {
			werr := &Error{Err: fmt.Errorf("pwrite at %d: %w", offset, err), Class: Retryable}
			return werr
		}
		if n != len(src) {
			return &Error{Err: fmt.Errorf("short write at %d: wrote %d of %d bytes", offset, n, len(src)), Class: Retryable}
		}
		if s.durable {
			if err := unix.Fdatasync(s.fd); err != nil {
				return &Error{Err: fmt.Errorf("fdatasync: %w", err), Class: Retryable}
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.log.WithFields(logrus.Fields{"offset": offset}).Warn("write-back exhausted retries")
		return &Error{Err: fmt.Errorf("write-back at %d exhausted retries: %w", offset, err), Class: Fatal}
	}
	return nil
}

// Close closes the backing file. It does not sync it; only a Durable
// store syncs, after each WritePage.
func (s *FileStore) Close() error {
	return s.f.Close()
}

func (s *FileStore) throttle(ctx context.Context, n int) error {
	if err := s.ioSem.Acquire(ctx, 1); err != nil {
		return &Error{Err: fmt.Errorf("acquire io slot: %w", err), Class: Retryable}
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, n); err != nil {
			s.ioSem.Release(1)
			return &Error{Err: fmt.Errorf("rate limit: %w", err), Class: Retryable}
		}
	}
	return nil
}
