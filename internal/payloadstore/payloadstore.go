// Package payloadstore implements spec.md §4.2: one event payload per
// position, written as a self-describing JSON record at
// events/<zero-padded position>.json.
package payloadstore

import (
	"errors"
	"fmt"
	"os"

	"go-dcbstore/internal/atomicfile"
	"go-dcbstore/internal/storepaths"
)

// ErrNotFound is returned by Read when no payload exists at the position.
var ErrNotFound = errors.New("payloadstore: position not found")

// Store persists one payload file per position under dir.
type Store struct {
	dir           string
	writeProtect  bool
}

// New returns a Store rooted at dir. writeProtect, when true, marks each
// payload read-only at the OS level immediately after a successful write
// (spec.md §4.2 / §6 write_protect_event_files), and transparently clears
// the flag before any overwrite or delete.
func New(dir string, writeProtect bool) *Store {
	return &Store{dir: dir, writeProtect: writeProtect}
}

// Write durably persists data at position, atomically. When flush is true
// the bytes (and containing directory entry) are fsync'd before return.
func (s *Store) Write(position uint64, data []byte, flush bool) error {
	path := storepaths.EventFile(s.dir, position)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("payloadstore: mkdir %s: %w", s.dir, err)
	}
	if s.writeProtect {
		if err := atomicfile.ClearReadOnly(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("payloadstore: clear read-only for %s: %w", path, err)
		}
	}
	if err := atomicfile.Write(path, data, 0o644, flush); err != nil {
		return fmt.Errorf("payloadstore: write position %d: %w", position, err)
	}
	if s.writeProtect {
		if err := atomicfile.MakeReadOnly(path); err != nil {
			return fmt.Errorf("payloadstore: write-protect position %d: %w", position, err)
		}
	}
	return nil
}

// Read returns the payload bytes at position, or ErrNotFound.
func (s *Store) Read(position uint64) ([]byte, error) {
	path := storepaths.EventFile(s.dir, position)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("payloadstore: read position %d: %w", position, err)
	}
	return data, nil
}
