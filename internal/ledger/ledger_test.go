package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileIsZero(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, ".ledger"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), l.Read())
}

func TestAdvanceAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ledger")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Advance(5, true))
	require.Equal(t, uint64(5), l.Read())

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, uint64(5), reopened.Read())
}

func TestAdvanceRejectsNonIncreasing(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, ".ledger"))
	require.NoError(t, err)
	require.NoError(t, l.Advance(3, false))

	err = l.Advance(3, false)
	require.Error(t, err)
	require.Equal(t, uint64(3), l.Read())
}

func TestOpenCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ledger")
	require.NoError(t, writeRaw(path, "not-a-number"))

	_, err := Open(path)
	require.Error(t, err)
	var ce *CorruptError
	require.ErrorAs(t, err, &ce)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, ".ledger"))
	require.NoError(t, err)
	require.NoError(t, l.Advance(10, false))
	l.Reset()
	require.Equal(t, uint64(0), l.Read())
}

func TestReloadSeesExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ledger")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Advance(2, true))

	other, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, other.Advance(7, true))

	require.Equal(t, uint64(2), l.Read(), "Read must keep serving the stale in-memory cache")
	reloaded, err := l.Reload()
	require.NoError(t, err)
	require.Equal(t, uint64(7), reloaded, "Reload must pick up the other instance's write")
	require.Equal(t, uint64(7), l.Read())
}

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
