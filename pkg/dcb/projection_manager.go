package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"go-dcbstore/internal/atomicfile"
)

// manager owns every registered ProjectionDefinition plus its persisted
// projectionStore and checkpoint, driving rebuild and incremental update
// (spec.md §4.9).
type manager struct {
	store *Store

	mu          sync.RWMutex
	definitions map[string]ProjectionDefinition
	stores      map[string]*projectionStore
}

func newManager(s *Store) *manager {
	return &manager{
		store:       s,
		definitions: make(map[string]ProjectionDefinition),
		stores:      make(map[string]*projectionStore),
	}
}

// Register adds a projection definition. Returns a duplicate-name error if
// one with the same name is already registered.
func (m *manager) Register(def ProjectionDefinition) error {
	if def.Name == "" {
		return &ValidationError{StoreError: StoreError{Op: "RegisterProjection", Err: fmt.Errorf("invalid_query: projection name required")}, Field: "name"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.definitions[def.Name]; exists {
		return &ProjectionError{
			StoreError: StoreError{Op: "RegisterProjection", Err: fmt.Errorf("duplicate_projection_name")},
			Projection: def.Name,
		}
	}
	m.definitions[def.Name] = def
	m.stores[def.Name] = newProjectionStore(m.store.layout, def.Name, m.store.cfg.WriteProtectProjections)
	return nil
}

func (m *manager) lookup(name string) (ProjectionDefinition, *projectionStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[name]
	if !ok {
		return ProjectionDefinition{}, nil, &ProjectionError{
			StoreError: StoreError{Op: "Projection", Err: fmt.Errorf("unknown_projection_name")},
			Projection: name,
		}
	}
	return def, m.stores[name], nil
}

func (m *manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.definitions))
	for name := range m.definitions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Rebuild fully reprocesses one projection: reads every event matching its
// type set from the beginning, folds sequentially, and commits in a
// single bulk write (spec.md §4.9).
func (m *manager) Rebuild(ctx context.Context, name string) (err error) {
	ctx, span := startSpan(ctx, "rebuild", m.store.cfg.StoreName, -1)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	defer func() {
		metricsInstruments().rebuildDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("projection", name)))
	}()

	def, ps, err := m.lookup(name)
	if err != nil {
		return err
	}

	events, err := m.store.Read(ctx, def.query(), ReadOptions{})
	if err != nil {
		return err
	}

	if err := ps.DeleteAllIndices(); err != nil {
		return &ProjectionError{StoreError: StoreError{Op: "Rebuild", Err: err}, Projection: name}
	}

	type accumulated struct {
		state any
		tags  []Tag
	}
	acc := make(map[string]*accumulated)
	var maxPos uint64
	for _, e := range events {
		if !def.matchesType(e.Event.EventType) {
			continue
		}
		key := def.KeySelector(e)
		a, ok := acc[key]
		if !ok {
			init := any(nil)
			if def.InitialState != nil {
				init = def.InitialState()
			}
			a = &accumulated{state: init}
			acc[key] = a
		}
		a.state = def.Apply(a.state, e)
		if e.Position > maxPos {
			maxPos = e.Position
		}
	}

	entries := make([]rebuildEntry, 0, len(acc))
	for key, a := range acc {
		if a.state == nil {
			continue
		}
		tags := []Tag(nil)
		if def.TagExtractor != nil {
			tags = def.TagExtractor(a.state)
		}
		entries = append(entries, rebuildEntry{Key: key, State: a.state, Tags: tags})
	}

	if err := ps.CommitRebuild(entries, m.store.cfg.Clock()); err != nil {
		return &ProjectionError{StoreError: StoreError{Op: "Rebuild", Err: err}, Projection: name}
	}

	return m.writeCheckpoint(name, maxPos, maxPos)
}

// RebuildAll rebuilds every projection whose checkpoint is 0 (never
// bootstrapped), or every projection when forceRebuild is true. Rebuilds
// run with bounded concurrency (spec.md §4.9).
func (m *manager) RebuildAll(ctx context.Context, forceRebuild bool) error {
	names := m.names()
	var toRebuild []string
	for _, name := range names {
		if forceRebuild {
			toRebuild = append(toRebuild, name)
			continue
		}
		cp, err := m.readCheckpoint(name)
		if err != nil {
			return err
		}
		if cp.LastProcessedPosition == 0 {
			toRebuild = append(toRebuild, name)
		}
	}
	if len(toRebuild) == 0 {
		return nil
	}

	limit := int64(m.store.cfg.ProjectionMaxConcurrentRebuilds)
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	errs := make([]error, len(toRebuild))
	for i, name := range toRebuild {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = &CancelledError{StoreError: StoreError{Op: "RebuildAll", Err: err}}
			continue
		}
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			defer sem.Release(1)
			errs[i] = m.Rebuild(ctx, name)
		}(i, name)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", toRebuild[i], err)
		}
	}
	return nil
}

// Update applies one batch of freshly-appended events to every registered
// projection, filtering by each projection's type set and advancing its
// checkpoint to the max processed position. A failure folding one
// projection does not prevent the others from advancing (spec.md §7).
func (m *manager) Update(batch []SequencedEvent) error {
	if len(batch) == 0 {
		return nil
	}
	for _, name := range m.names() {
		if err := m.updateOne(name, batch); err != nil {
			m.store.log.Error().Err(err).Str("projection", name).Msg("projection update failed")
		}
	}
	return nil
}

func (m *manager) updateOne(name string, batch []SequencedEvent) error {
	def, ps, err := m.lookup(name)
	if err != nil {
		return err
	}

	var maxPos uint64
	for _, e := range batch {
		if !def.matchesType(e.Event.EventType) {
			continue
		}
		key := def.KeySelector(e)
		raw, existed, err := ps.Get(key)
		if err != nil {
			return &ProjectionError{StoreError: StoreError{Op: "Update", Err: err}, Projection: name}
		}
		var prior any
		if existed {
			prior, err = decodeProjectionState(def, raw)
			if err != nil {
				return &ProjectionError{StoreError: StoreError{Op: "Update", Err: err}, Projection: name}
			}
		} else if def.InitialState != nil {
			prior = def.InitialState()
		}
		var oldTags []Tag
		if existed && def.TagExtractor != nil {
			oldTags = def.TagExtractor(prior)
		}

		next := def.Apply(prior, e)
		if next == nil {
			if existed {
				if err := ps.Delete(key, oldTags); err != nil {
					return &ProjectionError{StoreError: StoreError{Op: "Update", Err: err}, Projection: name}
				}
			}
		} else {
			var newTags []Tag
			if def.TagExtractor != nil {
				newTags = def.TagExtractor(next)
			}
			if err := ps.Save(key, next, oldTags, newTags, m.store.cfg.Clock()); err != nil {
				return &ProjectionError{StoreError: StoreError{Op: "Update", Err: err}, Projection: name}
			}
		}
		if e.Position > maxPos {
			maxPos = e.Position
		}
	}
	if maxPos == 0 {
		return nil
	}
	cp, err := m.readCheckpoint(name)
	if err != nil {
		return err
	}
	if maxPos <= cp.LastProcessedPosition {
		return nil
	}
	return m.writeCheckpoint(name, maxPos, maxPos)
}

func (m *manager) readCheckpoint(name string) (Checkpoint, error) {
	path := m.store.layout.CheckpointFile(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{ProjectionName: name}, nil
		}
		return Checkpoint{}, &ResourceError{StoreError: StoreError{Op: "ReadCheckpoint", Err: err}, Resource: "filesystem"}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, &CorruptStateError{StoreError: StoreError{Op: "ReadCheckpoint", Err: err}, Path: path}
	}
	return cp, nil
}

func (m *manager) writeCheckpoint(name string, lastProcessed, totalProcessed uint64) error {
	cp := Checkpoint{
		ProjectionName:        name,
		LastProcessedPosition: lastProcessed,
		LastUpdated:           m.store.cfg.Clock(),
		TotalEventsProcessed:  totalProcessed,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &ResourceError{StoreError: StoreError{Op: "WriteCheckpoint", Err: err}, Resource: "serialization"}
	}
	path := m.store.layout.CheckpointFile(name)
	if err := os.MkdirAll(m.store.layout.CheckpointsDir(), 0o755); err != nil {
		return &ResourceError{StoreError: StoreError{Op: "WriteCheckpoint", Err: err}, Resource: "filesystem"}
	}
	if err := atomicfile.Write(path, data, 0o644, false); err != nil {
		return &ResourceError{StoreError: StoreError{Op: "WriteCheckpoint", Err: err}, Resource: "filesystem"}
	}
	return nil
}

// minCheckpoint returns the lowest checkpoint among registered
// projections, or 0 if there are none — the daemon's poll starting point.
func (m *manager) minCheckpoint() (uint64, error) {
	names := m.names()
	if len(names) == 0 {
		return 0, nil
	}
	min := ^uint64(0)
	for _, name := range names {
		cp, err := m.readCheckpoint(name)
		if err != nil {
			return 0, err
		}
		if cp.LastProcessedPosition < min {
			min = cp.LastProcessedPosition
		}
	}
	return min, nil
}
