package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")

	require.NoError(t, Write(path, []byte("hello"), 0o644, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestWriteOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")

	require.NoError(t, Write(path, []byte("first"), 0o644, false))
	require.NoError(t, Write(path, []byte("second"), 0o644, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file")
}

func TestClearAndMakeReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	require.NoError(t, Write(path, []byte("a"), 0o644, false))

	require.NoError(t, MakeReadOnly(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Mode()&0o222)

	require.NoError(t, ClearReadOnly(path))
	info, err = os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o200)
}

func TestClearReadOnlyMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ClearReadOnly(filepath.Join(dir, "missing.json")))
}
