package dcb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-dcbstore/internal/atomicfile"
	"go-dcbstore/internal/posindex"
	"go-dcbstore/internal/storepaths"
)

// projectionStore persists one projection's key→state map, its metadata
// index, and its tag sub-index (spec.md §4.8). State writes are
// serialized by writeMu; reads never take a lock (atomic rename makes the
// latest write visible without one).
type projectionStore struct {
	name         string
	layout       storepaths.Layout
	writeProtect bool

	writeMu sync.Mutex
	tagIdx  *posindex.Index[string]
}

func newProjectionStore(layout storepaths.Layout, name string, writeProtect bool) *projectionStore {
	return &projectionStore{
		name:         name,
		layout:       layout,
		writeProtect: writeProtect,
		tagIdx:       posindex.New[string](layout.ProjectionTagIndexDir(name)),
	}
}

func (ps *projectionStore) stateFile(key string) string {
	return ps.layout.ProjectionStateFile(ps.name, key)
}

func (ps *projectionStore) metadataIndexFile() string {
	return ps.layout.ProjectionMetadataIndex(ps.name)
}

// Get returns the raw persisted state bytes at key, or (nil, false) if
// absent. Decoding into a concrete type is the caller's job (via
// decodeProjectionState), since only the owning definition knows the
// shape.
func (ps *projectionStore) Get(key string) (json.RawMessage, bool, error) {
	data, err := os.ReadFile(ps.stateFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("projection %s: read key %s: %w", ps.name, key, err)
	}
	var rec projectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("projection %s: decode key %s: %w", ps.name, key, err)
	}
	return rec.Data, true, nil
}

// GetAll returns every persisted key's raw state, via the metadata index
// (so a crash-consistent listing never requires a directory scan).
func (ps *projectionStore) GetAll() (map[string]json.RawMessage, error) {
	keys, err := ps.readMetadataIndex()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for key := range keys {
		raw, ok, err := ps.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = raw
		}
	}
	return out, nil
}

// QueryByTag returns every key whose derived tags include tag.
func (ps *projectionStore) QueryByTag(tag Tag) ([]string, error) {
	path := storepaths.TagIndexFile(ps.tagIdx.Dir(), tag.Key, tag.Value)
	return ps.tagIdx.Read(path), nil
}

// QueryByTags intersects QueryByTag across every given tag (AND semantics,
// mirroring the event tag index).
func (ps *projectionStore) QueryByTags(tags []Tag) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	lists := make([][]string, len(tags))
	for i, t := range tags {
		path := storepaths.TagIndexFile(ps.tagIdx.Dir(), t.Key, t.Value)
		lists[i] = ps.tagIdx.Read(path)
	}
	return posindex.KWayMergeIntersect(lists), nil
}

// QueryByPredicate returns every key whose decoded state satisfies
// predicate, decoding via def (so predicate sees the concrete type
// InitialState produces, the same as Apply/TagExtractor).
func (ps *projectionStore) QueryByPredicate(def ProjectionDefinition, predicate func(state any) bool) ([]string, error) {
	rawAll, err := ps.GetAll()
	if err != nil {
		return nil, err
	}
	var out []string
	for key, raw := range rawAll {
		state, err := decodeProjectionState(def, raw)
		if err != nil {
			return nil, err
		}
		if predicate(state) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Save persists state at key and updates the tag sub-index by diffing
// oldTags (re-derived by the caller from the previously persisted state,
// since the in-memory tag cache is empty after a restart — spec.md §4.8)
// against newTags.
func (ps *projectionStore) Save(key string, state any, oldTags, newTags []Tag, now time.Time) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	meta, err := ps.readMetadataIndex()
	if err != nil {
		return err
	}
	existing, hadExisting := meta[key]
	stamp := now
	m := ProjectionStateMetadata{
		CreatedAt:     stamp,
		LastUpdatedAt: stamp,
		Version:       1,
	}
	if hadExisting {
		m.CreatedAt = existing.CreatedAt
		m.Version = existing.Version + 1
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("projection %s: marshal state for key %s: %w", ps.name, key, err)
	}
	rec := projectionRecord{Data: stateJSON, Metadata: m}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("projection %s: marshal key %s: %w", ps.name, key, err)
	}
	m.SizeBytes = uint64(len(data))
	rec.Metadata = m
	data, _ = json.MarshalIndent(rec, "", "  ")

	if err := os.MkdirAll(filepath.Dir(ps.metadataIndexFile()), 0o755); err != nil {
		return fmt.Errorf("projection %s: mkdir: %w", ps.name, err)
	}
	if ps.writeProtect {
		_ = atomicfile.ClearReadOnly(ps.stateFile(key))
	}
	if err := atomicfile.Write(ps.stateFile(key), data, 0o644, false); err != nil {
		return fmt.Errorf("projection %s: write key %s: %w", ps.name, key, err)
	}
	if ps.writeProtect {
		_ = atomicfile.MakeReadOnly(ps.stateFile(key))
	}

	meta[key] = m
	if err := ps.writeMetadataIndex(meta); err != nil {
		return err
	}

	return ps.applyTagDiff(key, oldTags, newTags)
}

// Delete removes key's state, metadata entry, and every tag-index
// reference to it. oldTags is the caller's re-derivation of the state's
// tags before deletion (see Save).
func (ps *projectionStore) Delete(key string, oldTags []Tag) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	if err := os.Remove(ps.stateFile(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("projection %s: delete key %s: %w", ps.name, key, err)
	}
	meta, err := ps.readMetadataIndex()
	if err != nil {
		return err
	}
	delete(meta, key)
	if err := ps.writeMetadataIndex(meta); err != nil {
		return err
	}
	return ps.applyTagDiff(key, oldTags, nil)
}

// DeleteAllIndices clears every key, the metadata index, and the tag
// sub-index — the first step of a rebuild.
func (ps *projectionStore) DeleteAllIndices() error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()
	if err := os.RemoveAll(ps.layout.ProjectionDir(ps.name)); err != nil {
		return fmt.Errorf("projection %s: clear: %w", ps.name, err)
	}
	ps.tagIdx = posindex.New[string](ps.layout.ProjectionTagIndexDir(ps.name))
	return nil
}

// rebuildEntry is one folded key/state/tags triple collected in memory
// during a rebuild, committed in a single batch by CommitRebuild.
type rebuildEntry struct {
	Key   string
	State any
	Tags  []Tag
}

// CommitRebuild persists every entry, writing the metadata index and the
// tag sub-index once each at the end rather than incrementally
// (spec.md §4.8 "bulk path used by the manager during rebuild").
func (ps *projectionStore) CommitRebuild(entries []rebuildEntry, now time.Time) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(ps.metadataIndexFile()), 0o755); err != nil {
		return fmt.Errorf("projection %s: mkdir: %w", ps.name, err)
	}
	meta := make(map[string]ProjectionStateMetadata, len(entries))
	tagAppends := make(map[string][]string)
	stamp := now
	for _, e := range entries {
		m := ProjectionStateMetadata{CreatedAt: stamp, LastUpdatedAt: stamp, Version: 1}
		stateJSON, err := json.Marshal(e.State)
		if err != nil {
			return fmt.Errorf("projection %s: marshal state for key %s: %w", ps.name, e.Key, err)
		}
		rec := projectionRecord{Data: stateJSON, Metadata: m}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("projection %s: marshal key %s: %w", ps.name, e.Key, err)
		}
		m.SizeBytes = uint64(len(data))
		rec.Metadata = m
		data, _ = json.MarshalIndent(rec, "", "  ")
		if err := atomicfile.Write(ps.stateFile(e.Key), data, 0o644, false); err != nil {
			return fmt.Errorf("projection %s: write key %s: %w", ps.name, e.Key, err)
		}
		meta[e.Key] = m
		for _, t := range e.Tags {
			path := storepaths.TagIndexFile(ps.tagIdx.Dir(), t.Key, t.Value)
			tagAppends[path] = append(tagAppends[path], e.Key)
		}
	}
	if err := ps.writeMetadataIndex(meta); err != nil {
		return err
	}
	for path, keys := range tagAppends {
		if err := ps.tagIdx.Append(path, keys, false); err != nil {
			return fmt.Errorf("projection %s: tag index: %w", ps.name, err)
		}
	}
	if ps.writeProtect {
		for _, e := range entries {
			_ = atomicfile.MakeReadOnly(ps.stateFile(e.Key))
		}
	}
	return nil
}

func (ps *projectionStore) applyTagDiff(key string, oldTags, newTags []Tag) error {
	removed := diffTags(oldTags, newTags)
	added := diffTags(newTags, oldTags)
	for _, t := range removed {
		path := storepaths.TagIndexFile(ps.tagIdx.Dir(), t.Key, t.Value)
		if err := ps.tagIdx.Remove(path, key); err != nil {
			return err
		}
	}
	for _, t := range added {
		path := storepaths.TagIndexFile(ps.tagIdx.Dir(), t.Key, t.Value)
		if err := ps.tagIdx.Append(path, []string{key}, false); err != nil {
			return err
		}
	}
	return nil
}

func diffTags(a, b []Tag) []Tag {
	in := func(t Tag, list []Tag) bool {
		for _, x := range list {
			if x == t {
				return true
			}
		}
		return false
	}
	var out []Tag
	for _, t := range a {
		if !in(t, b) {
			out = append(out, t)
		}
	}
	return out
}

func (ps *projectionStore) readMetadataIndex() (map[string]ProjectionStateMetadata, error) {
	data, err := os.ReadFile(ps.metadataIndexFile())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]ProjectionStateMetadata), nil
		}
		return nil, fmt.Errorf("projection %s: read metadata index: %w", ps.name, err)
	}
	out := make(map[string]ProjectionStateMetadata)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("projection %s: decode metadata index: %w", ps.name, err)
		}
	}
	return out, nil
}

func (ps *projectionStore) writeMetadataIndex(meta map[string]ProjectionStateMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("projection %s: marshal metadata index: %w", ps.name, err)
	}
	if err := atomicfile.Write(ps.metadataIndexFile(), data, 0o644, false); err != nil {
		return fmt.Errorf("projection %s: write metadata index: %w", ps.name, err)
	}
	return nil
}
