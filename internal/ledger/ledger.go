// Package ledger implements spec.md §4.1: the single durable counter of the
// highest assigned event position — the store's commit point.
package ledger

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go-dcbstore/internal/atomicfile"
)

// Ledger holds the current highest assigned position in memory, backed by
// a single text file. Reads are lock-free (an atomic load); Advance is
// serialized by the caller (the store's write mutex + file lock), matching
// spec.md §5's "written only under the write mutex + file lock."
type Ledger struct {
	path    string
	current atomic.Uint64
}

// Open loads the ledger file at path, or treats a missing file as position
// zero (spec.md §4.1: "returns 0 if never initialized"). A present but
// unparseable file is a corrupt_state error — the store does not auto-heal.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return l, nil
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	l.current.Store(value)
	return l, nil
}

// Read returns the highest assigned position, 0 if the store is empty.
// Lock-free: serves the in-memory cache, which only this process's own
// Advance calls keep current. Append must call Reload instead, since a
// different process may have advanced the file since this value was cached.
func (l *Ledger) Read() uint64 {
	return l.current.Load()
}

// Reload re-reads the ledger file from disk, refreshes the in-memory cache,
// and returns the current highest position. Append calls this instead of
// Read right after taking the cross-process lock, and match-all reads call
// it too, so a position another process advanced in between is never
// missed (spec.md §4.4/§5: the file lock's whole purpose is to make this
// the authoritative read).
func (l *Ledger) Reload() (uint64, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.current.Store(0)
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: reload %s: %w", l.path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		l.current.Store(0)
		return 0, nil
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, &CorruptError{Path: l.path, Err: err}
	}
	l.current.Store(value)
	return value, nil
}

// Advance durably advances the ledger to newHighest, which must be strictly
// greater than the current value. The write is temp-file+rename, fsync'd
// before return when flush is true (spec.md §4.1).
func (l *Ledger) Advance(newHighest uint64, flush bool) error {
	current := l.current.Load()
	if newHighest <= current {
		return fmt.Errorf("ledger: advance_to(%d) is not greater than current %d", newHighest, current)
	}
	text := strconv.FormatUint(newHighest, 10)
	if err := atomicfile.Write(l.path, []byte(text), 0o644, flush); err != nil {
		return fmt.Errorf("ledger: advance to %d: %w", newHighest, err)
	}
	l.current.Store(newHighest)
	return nil
}

// Reset sets the in-memory position back to zero without touching the
// backing file — used by store deletion, which removes the ledger file
// itself and relies on the next Append to recreate it.
func (l *Ledger) Reset() {
	l.current.Store(0)
}

// CorruptError reports an unparseable ledger file — spec.md §4.1/§7
// corrupt_state: "the store must not auto-heal silently."
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("ledger: corrupt ledger file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }
