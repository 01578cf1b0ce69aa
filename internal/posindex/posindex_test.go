package posindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendMergesSortedUnique(t *testing.T) {
	dir := t.TempDir()
	ix := New[uint64](dir)
	path := filepath.Join(dir, "OrderPlaced.json")

	require.NoError(t, ix.Append(path, []uint64{3, 1}, false))
	require.NoError(t, ix.Append(path, []uint64{1, 2}, false))

	require.Equal(t, []uint64{1, 2, 3}, ix.Read(path))
}

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	ix := New[uint64](dir)
	require.Empty(t, ix.Read(filepath.Join(dir, "missing.json")))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	ix := New[string](dir)
	path := filepath.Join(dir, "tag.json")
	require.NoError(t, ix.Append(path, []string{"a", "b", "c"}, false))

	require.NoError(t, ix.Remove(path, "b"))
	require.Equal(t, []string{"a", "c"}, ix.Read(path))
}

func TestKWayMergeUnion(t *testing.T) {
	got := KWayMergeUnion([][]uint64{{1, 3, 5}, {2, 3, 4}, {}})
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestKWayMergeIntersect(t *testing.T) {
	got := KWayMergeIntersect([][]uint64{{1, 2, 3, 4}, {2, 4, 6}})
	require.Equal(t, []uint64{2, 4}, got)
}

func TestKWayMergeIntersectEmptyListYieldsEmpty(t *testing.T) {
	got := KWayMergeIntersect([][]uint64{{1, 2, 3}, {}})
	require.Empty(t, got)
}
