package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go-dcbstore/internal/storepaths"
)

// DeleteStore removes every event, index, projection, checkpoint, and the
// ledger under the store's root. Write-protected files have their
// read-only flag cleared first. Idempotent: deleting an already-deleted
// (or never-created) store succeeds. The next Append recreates the
// required directory structure (spec.md §4.12).
func (s *Store) DeleteStore() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := clearReadOnlyRecursive(s.layout.Root); err != nil && !os.IsNotExist(err) {
		return &ResourceError{StoreError: StoreError{Op: "DeleteStore", Err: err}, Resource: "filesystem"}
	}
	if err := os.RemoveAll(s.layout.Root); err != nil {
		return &ResourceError{StoreError: StoreError{Op: "DeleteStore", Err: err}, Resource: "filesystem"}
	}
	for _, dir := range []string{s.layout.EventsDir(), s.layout.TypeIndexDir(), s.layout.TagIndexDir(), s.layout.CheckpointsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &ResourceError{StoreError: StoreError{Op: "DeleteStore", Err: err}, Resource: "filesystem"}
		}
	}
	s.ledger.Reset()
	return nil
}

func clearReadOnlyRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return os.Chmod(path, 0o755)
		}
		return os.Chmod(path, info.Mode()|0o200)
	})
}

// TagsAddedResult reports the outcome of an AddTags migration.
type TagsAddedResult struct {
	EventsProcessed int
	TagsAdded       int
}

// AddTags performs an additive-only migration: for every persisted event
// of eventType, every tag in tagsToAdd whose key isn't already present is
// appended (existing tags are never modified or removed). Each event is
// rewritten and its tag index updated under the write mutex + file lock
// (spec.md §4.12).
func (s *Store) AddTags(ctx context.Context, eventType string, tagsToAdd []Tag) (TagsAddedResult, error) {
	if eventType == "" {
		return TagsAddedResult{}, &ValidationError{StoreError: StoreError{Op: "AddTags", Err: fmt.Errorf("invalid_query: event_type required")}, Field: "event_type"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.lock.Acquire(ctx, s.cfg.CrossProcessLockTimeout); err != nil {
		return TagsAddedResult{}, &LockTimeoutError{StoreError: StoreError{Op: "AddTags", Err: err}, Timeout: s.cfg.CrossProcessLockTimeout.String()}
	}
	defer s.lock.Release()

	path := storepaths.TypeIndexFile(s.typeIdx.Dir(), eventType)
	positions := s.typeIdx.Read(path)

	var result TagsAddedResult
	tagAppends := make(map[string][]uint64)
	flush := s.cfg.FlushEventsImmediately
	for _, pos := range positions {
		data, err := s.payloads.Read(pos)
		if err != nil {
			return result, &ResourceError{StoreError: StoreError{Op: "AddTags", Err: err}, Resource: "filesystem"}
		}
		var pe persistedEvent
		if err := json.Unmarshal(data, &pe); err != nil {
			return result, &CorruptStateError{StoreError: StoreError{Op: "AddTags", Err: err}, Path: storepaths.EventFile(s.layout.EventsDir(), pos)}
		}

		existing := make(map[string]bool, len(pe.Tags))
		for _, t := range pe.Tags {
			existing[t.Key] = true
		}
		added := 0
		for _, t := range tagsToAdd {
			if existing[t.Key] {
				continue
			}
			pe.Tags = append(pe.Tags, t)
			existing[t.Key] = true
			key := storepaths.TagIndexFile(s.tagIdx.Dir(), t.Key, t.Value)
			tagAppends[key] = append(tagAppends[key], pos)
			added++
		}
		if added == 0 {
			continue
		}

		newData, err := json.MarshalIndent(pe, "", "  ")
		if err != nil {
			return result, &ResourceError{StoreError: StoreError{Op: "AddTags", Err: err}, Resource: "serialization"}
		}
		if err := s.payloads.Write(pos, newData, flush); err != nil {
			return result, &ResourceError{StoreError: StoreError{Op: "AddTags", Err: err}, Resource: "filesystem"}
		}
		result.EventsProcessed++
		result.TagsAdded += added
	}

	for key, pos := range tagAppends {
		if err := s.tagIdx.Append(key, pos, flush); err != nil {
			return result, &ResourceError{StoreError: StoreError{Op: "AddTags", Err: err}, Resource: "filesystem"}
		}
	}

	return result, nil
}
