package dcb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countState struct {
	Count int `json:"count"`
}

func countByKeyDefinition() ProjectionDefinition {
	return ProjectionDefinition{
		Name:         "CountByKey",
		EventTypes:   []string{"Tick"},
		InitialState: func() any { return &countState{} },
		KeySelector: func(e SequencedEvent) string {
			for _, t := range e.Event.Tags {
				if t.Key == "key" {
					return t.Value
				}
			}
			return "unknown"
		},
		Apply: func(state any, e SequencedEvent) any {
			cs := state.(*countState)
			cs.Count++
			return cs
		},
	}
}

// S5: append 1000 events across 10 keys, rebuild, and expect each key's
// count to equal 100 and the checkpoint to equal 1000.
func TestProjectionRebuildDistributesAcrossKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterProjection(countByKeyDefinition()))

	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"}
	for i := 0; i < 1000; i++ {
		key := keys[i%len(keys)]
		require.NoError(t, s.Append(ctx, []NewEvent{
			NewEventFrom("Tick", NewTags("key", key), nil),
		}, nil))
	}

	require.NoError(t, s.RebuildProjection(ctx, "CountByKey"))

	for _, key := range keys {
		state, ok, err := s.ProjectionState("CountByKey", key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, float64(100), asCount(t, state))
	}

	cp, err := s.ProjectionCheckpoint("CountByKey")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cp.LastProcessedPosition)
	require.Equal(t, uint64(1000), cp.TotalEventsProcessed, "total_events_processed must equal last_processed_position")
}

func TestProjectionIncrementalUpdateViaManager(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterProjection(countByKeyDefinition()))

	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("Tick", NewTags("key", "k0"), nil),
		NewEventFrom("Tick", NewTags("key", "k0"), nil),
	}, nil))

	batch, err := s.Read(ctx, NewQueryAll(), ReadOptions{})
	require.NoError(t, err)
	require.NoError(t, s.projections.Update(batch))

	state, ok, err := s.ProjectionState("CountByKey", "k0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(2), asCount(t, state))
}

func TestRegisterProjectionRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RegisterProjection(countByKeyDefinition()))
	err := s.RegisterProjection(countByKeyDefinition())
	require.Error(t, err)
	require.True(t, IsProjectionError(err))
}

func TestUnknownProjectionNameErrors(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.ProjectionState("Nope", "k")
	require.Error(t, err)
	require.True(t, IsProjectionError(err))
}

func TestDaemonAdvancesProjectionsOnPoll(t *testing.T) {
	s, err := Open(StoreConfig{
		RootPath:                   t.TempDir(),
		StoreName:                  "daemon-store",
		ProjectionPollingInterval:  20 * time.Millisecond,
		ProjectionEnableAutoRebuild: false,
	})
	require.NoError(t, err)
	require.NoError(t, s.RegisterProjection(countByKeyDefinition()))

	ctx := context.Background()
	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("Tick", NewTags("key", "k0"), nil),
	}, nil))

	s.StartDaemon()
	defer s.StopDaemon()

	require.Eventually(t, func() bool {
		_, ok, err := s.ProjectionState("CountByKey", "k0")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)
}

func parityCountDefinition() ProjectionDefinition {
	return ProjectionDefinition{
		Name:         "ParityCount",
		EventTypes:   []string{"Tick"},
		InitialState: func() any { return &countState{} },
		KeySelector: func(e SequencedEvent) string {
			for _, t := range e.Event.Tags {
				if t.Key == "key" {
					return t.Value
				}
			}
			return "unknown"
		},
		Apply: func(state any, e SequencedEvent) any {
			cs := state.(*countState)
			cs.Count++
			return cs
		},
		TagExtractor: func(state any) []Tag {
			cs := state.(*countState)
			parity := "even"
			if cs.Count%2 != 0 {
				parity = "odd"
			}
			return NewTags("parity", parity)
		},
	}
}

// P9: after save(key, state), query_by_tag must include key for every
// extractor-derived tag on the new state, and exclude it for every tag the
// previous state had that the new state no longer has.
func TestProjectionTagIndexTracksExtractorOutput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterProjection(parityCountDefinition()))

	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("Tick", NewTags("key", "k0"), nil),
	}, nil))
	batch, err := s.Read(ctx, NewQueryAll(), ReadOptions{})
	require.NoError(t, err)
	require.NoError(t, s.projections.Update(batch))

	odd, err := s.ProjectionKeysByTag("ParityCount", NewTag("parity", "odd"))
	require.NoError(t, err)
	require.Contains(t, odd, "k0")

	even, err := s.ProjectionKeysByTag("ParityCount", NewTag("parity", "even"))
	require.NoError(t, err)
	require.NotContains(t, even, "k0")

	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("Tick", NewTags("key", "k0"), nil),
	}, nil))
	batch, err = s.Read(ctx, NewQueryAll(), ReadOptions{FromPosition: 1})
	require.NoError(t, err)
	require.NoError(t, s.projections.Update(batch))

	odd, err = s.ProjectionKeysByTag("ParityCount", NewTag("parity", "odd"))
	require.NoError(t, err)
	require.NotContains(t, odd, "k0", "stale tag entry must be retracted once the state no longer has it")

	even, err = s.ProjectionKeysByTag("ParityCount", NewTag("parity", "even"))
	require.NoError(t, err)
	require.Contains(t, even, "k0")
}

func TestProjectionKeysByPredicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterProjection(countByKeyDefinition()))

	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("Tick", NewTags("key", "k0"), nil),
		NewEventFrom("Tick", NewTags("key", "k0"), nil),
		NewEventFrom("Tick", NewTags("key", "k1"), nil),
	}, nil))
	batch, err := s.Read(ctx, NewQueryAll(), ReadOptions{})
	require.NoError(t, err)
	require.NoError(t, s.projections.Update(batch))

	keys, err := s.ProjectionKeysByPredicate("CountByKey", func(state any) bool {
		return state.(*countState).Count >= 2
	})
	require.NoError(t, err)
	require.Equal(t, []string{"k0"}, keys)
}

func asCount(t *testing.T, state any) float64 {
	t.Helper()
	cs, ok := state.(*countState)
	require.True(t, ok, "decoded state must preserve the registered concrete type")
	return float64(cs.Count)
}
