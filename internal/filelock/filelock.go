// Package filelock implements spec.md §4.4: the cross-process exclusive
// guard around the store root, a single .store.lock file opened with
// exclusive/no-share semantics for the duration of each append.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned by Acquire when the configured timeout elapses
// before the lock file could be opened exclusively.
var ErrTimeout = errors.New("filelock: lock_timeout")

// Lock guards a single store directory. The in-memory mutex is the first
// gate (cheap intra-process short-circuit); it is a plain sync.Mutex, so
// waiters within the process are not guaranteed FIFO order. The file lock
// then guarantees cross-process exclusivity.
type Lock struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire blocks until the local mutex and then the file lock are both
// held, or ctx is cancelled, or timeout elapses (whichever first).
// Immediate cancellation is honored before any file I/O is attempted.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	operation := func() error {
		f, err := openExclusive(l.path)
		if err != nil {
			return err
		}
		l.file = f
		return nil
	}

	bctx := backoff.WithContext(b, ctx)
	err := backoff.Retry(operation, bctx)
	if err != nil {
		l.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to acquire %s within %s: %v", ErrTimeout, l.path, timeout, err)
	}
	return nil
}

// Release closes the file handle and releases the local mutex. Safe to
// call exactly once per successful Acquire.
func (l *Lock) Release() error {
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	closeErr := l.file.Close()
	l.file = nil
	// Remove the lock file so the next Acquire's O_EXCL create succeeds;
	// holding the in-memory mutex for the whole call keeps this race-free
	// within the process, and only the current holder ever removes it.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filelock: remove %s: %w", l.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("filelock: release %s: %w", l.path, closeErr)
	}
	return nil
}

// openExclusive opens (creating if needed) the lock file with O_EXCL-style
// semantics: os.O_CREATE|os.O_EXCL fails if another holder's file is
// present, which is how this store models "sharing violation" across
// processes without a platform-specific flock syscall.
func openExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
