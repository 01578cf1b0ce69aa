package storepaths

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventFilePadding(t *testing.T) {
	require.Equal(t, "events/0000000001.json", EventFile("events", 1))
	require.Equal(t, "events/1234567890.json", EventFile("events", 1234567890))
}

func TestEscapeKey(t *testing.T) {
	require.Equal(t, "Order-Placed.v1", EscapeKey("Order-Placed.v1"))
	require.Equal(t, "a_b_c", EscapeKey("a/b c"))
	require.Equal(t, "_", EscapeKey(""))
}

func TestTagIndexFileLowercases(t *testing.T) {
	a := TagIndexFile("tags", "Course_ID", "C-1")
	b := TagIndexFile("tags", "course_id", "c-1")
	require.Equal(t, a, b)
}

func TestLayoutPaths(t *testing.T) {
	l := New("/data", "orders")
	require.Equal(t, "/data/orders/.ledger", l.Ledger())
	require.Equal(t, "/data/orders/.store.lock", l.LockFile())
	require.Equal(t, "/data/orders/events", l.EventsDir())
	require.Equal(t, "/data/orders/indices/event_type", l.TypeIndexDir())
	require.Equal(t, "/data/orders/indices/tags", l.TagIndexDir())
	require.Equal(t, "/data/orders/projections/_checkpoints/Totals.checkpoint", l.CheckpointFile("Totals"))
	require.Equal(t, "/data/orders/projections/Totals/k1.json", l.ProjectionStateFile("Totals", "k1"))
}
