package dcb

import (
	"encoding/json"
	"time"
)

// ProjectionDefinition describes a persisted, keyed materialized view:
// events matching EventTypes are routed to KeySelector(event) and folded
// via Apply into per-key state, stored by the projection store (spec.md
// §3 "Projection definition", §4.8/§4.9).
//
// Apply returning nil deletes the key's state. TagExtractor is optional:
// when set, it derives the tags attached to a state's persisted record so
// the projection's tag sub-index (spec.md §4.8) can be populated and
// queried via Store.ProjectionKeysByTag and Store.ProjectionKeysByTags.
type ProjectionDefinition struct {
	Name         string
	EventTypes   []string
	InitialState func() any
	KeySelector  func(SequencedEvent) string
	Apply        func(state any, event SequencedEvent) any
	TagExtractor func(state any) []Tag
}

func (d ProjectionDefinition) matchesType(eventType string) bool {
	if len(d.EventTypes) == 0 {
		return true
	}
	for _, t := range d.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func (d ProjectionDefinition) query() Query {
	return NewQuery(nil, d.EventTypes...)
}

// ProjectionStateMetadata is the bookkeeping stored alongside each
// projection state record (spec.md §3 "Projection state").
type ProjectionStateMetadata struct {
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Version       uint64    `json:"version"`
	SizeBytes     uint64    `json:"size_bytes"`
}

// projectionRecord is the on-disk shape of <key>.json under a projection's
// directory (spec.md §6): the opaque folded state plus its metadata. Data
// is kept as a raw JSON message rather than decoded eagerly, since only
// the owning ProjectionDefinition's InitialState knows the concrete Go
// type to decode into.
type projectionRecord struct {
	Data     json.RawMessage         `json:"data"`
	Metadata ProjectionStateMetadata `json:"metadata"`
}

// decodeProjectionState unmarshals raw into a fresh value produced by
// def.InitialState (expected to return a pointer, so unmarshal fills it in
// place); falls back to a generic map when the definition has no
// InitialState constructor.
func decodeProjectionState(def ProjectionDefinition, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if def.InitialState == nil {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	target := def.InitialState()
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}
	return target, nil
}

// Checkpoint tracks how far a projection has been folded, per spec.md §3.
// TotalEventsProcessed always equals LastProcessedPosition (spec.md §4.9 —
// "not an incremented counter"), not a running tally of apply calls.
type Checkpoint struct {
	ProjectionName        string    `json:"projection_name"`
	LastProcessedPosition uint64    `json:"last_processed_position"`
	LastUpdated           time.Time `json:"last_updated"`
	TotalEventsProcessed  uint64    `json:"total_events_processed"`
}

// StateProjector is an ephemeral, unkeyed projection used only within a
// single decision: Query selects the events to fold, InitialState seeds
// the accumulator, TransitionFn folds one event at a time. Grounded
// directly on the teacher's StateProjector/TransitionFn shape, extended to
// fold a SequencedEvent so callers can see the position.
type StateProjector struct {
	Query        Query
	InitialState any
	TransitionFn func(state any, event SequencedEvent) any
}

func (p StateProjector) fold(events []SequencedEvent) any {
	state := p.InitialState
	for _, e := range events {
		state = p.TransitionFn(state, e)
	}
	return state
}
