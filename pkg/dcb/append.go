package dcb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"go-dcbstore/internal/storepaths"
)

// Append implements spec.md §4.6: validates the batch, optionally checks
// condition, assigns consecutive positions, writes payloads and indices,
// then advances the ledger as the single commit point.
func (s *Store) Append(ctx context.Context, events []NewEvent, condition *AppendCondition) (err error) {
	ctx, span := startSpan(ctx, "append", s.cfg.StoreName, len(events))
	defer func() { endSpan(span, err) }()

	if len(events) == 0 {
		err = &ValidationError{StoreError: StoreError{Op: "Append", Err: fmt.Errorf("empty_batch")}, Field: "events"}
		return err
	}
	prepared := make([]persistedEvent, len(events))
	for i, e := range events {
		if err = validateNewEvent(e, i); err != nil {
			return err
		}
		prepared[i] = persistedEvent{
			EventType: e.EventType,
			ID:        uuid.NewString(),
			Payload:   e.Payload,
			Tags:      e.Tags,
			Metadata:  e.Metadata,
		}
		if prepared[i].Metadata.Timestamp.IsZero() {
			prepared[i].Metadata.Timestamp = s.cfg.Clock()
		}
	}

	select {
	case <-ctx.Done():
		return &CancelledError{StoreError: StoreError{Op: "Append", Err: ctx.Err()}}
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err = s.lock.Acquire(ctx, s.cfg.CrossProcessLockTimeout); err != nil {
		if err == ctx.Err() {
			return &CancelledError{StoreError: StoreError{Op: "Append", Err: err}}
		}
		return &LockTimeoutError{
			StoreError: StoreError{Op: "Append", Err: err},
			Timeout:    s.cfg.CrossProcessLockTimeout.String(),
		}
	}
	defer s.lock.Release()

	highest, rErr := s.ledger.Reload()
	if rErr != nil {
		return corruptOrResource("Append", s.layout.Ledger(), rErr)
	}

	if condition != nil {
		if conflict := s.hasMatch(condition.FailIfEventsMatch, condition.AfterPosition); conflict {
			s.log.Debug().Uint64("expected_after", condition.AfterPosition).Uint64("actual_highest", highest).Msg("append_condition_failed")
			metricsInstruments().appendConflicts.Add(ctx, 1)
			return &ConcurrencyError{
				StoreError:    StoreError{Op: "Append", Err: fmt.Errorf("append_condition_failed")},
				ExpectedAfter: condition.AfterPosition,
				ActualHighest: highest,
			}
		}
	}

	positions := make([]uint64, len(prepared))
	for i := range prepared {
		positions[i] = highest + uint64(i) + 1
	}

	flush := s.cfg.FlushEventsImmediately
	for i, pe := range prepared {
		data, mErr := json.MarshalIndent(pe, "", "  ")
		if mErr != nil {
			return &ResourceError{StoreError: StoreError{Op: "Append", Err: fmt.Errorf("marshal event %d: %w", i, mErr)}, Resource: "serialization"}
		}
		if wErr := s.payloads.Write(positions[i], data, flush); wErr != nil {
			return &ResourceError{StoreError: StoreError{Op: "Append", Err: wErr}, Resource: "filesystem"}
		}
	}

	typeAppends := make(map[string][]uint64)
	tagAppends := make(map[string][]uint64)
	for i, pe := range prepared {
		typeAppends[pe.EventType] = append(typeAppends[pe.EventType], positions[i])
		for _, t := range pe.Tags {
			key := storepaths.TagIndexFile(s.tagIdx.Dir(), t.Key, t.Value)
			tagAppends[key] = append(tagAppends[key], positions[i])
		}
	}
	for eventType, pos := range typeAppends {
		path := storepaths.TypeIndexFile(s.typeIdx.Dir(), eventType)
		if iErr := s.typeIdx.Append(path, pos, flush); iErr != nil {
			return &ResourceError{StoreError: StoreError{Op: "Append", Err: iErr}, Resource: "filesystem"}
		}
	}
	for path, pos := range tagAppends {
		if iErr := s.tagIdx.Append(path, pos, flush); iErr != nil {
			return &ResourceError{StoreError: StoreError{Op: "Append", Err: iErr}, Resource: "filesystem"}
		}
	}

	newHighest := highest + uint64(len(prepared))
	if lErr := s.ledger.Advance(newHighest, flush); lErr != nil {
		return &ResourceError{StoreError: StoreError{Op: "Append", Err: lErr}, Resource: "filesystem"}
	}

	s.log.Debug().Int("count", len(prepared)).Uint64("from", highest+1).Uint64("to", newHighest).Msg("appended")
	metricsInstruments().eventsAppended.Add(ctx, int64(len(prepared)))
	return nil
}

// hasMatch reports whether any event with position > afterPosition matches
// query — the predicate evaluated by an append condition and by
// ReadOption-free existence checks.
func (s *Store) hasMatch(query Query, afterPosition uint64) bool {
	positions := s.compilePositions(query, afterPosition)
	return len(positions) > 0
}

func validateNewEvent(e NewEvent, index int) error {
	if e.EventType == "" {
		return &ValidationError{
			StoreError: StoreError{Op: "Append", Err: fmt.Errorf("invalid_event: empty event_type at index %d", index)},
			Field:      "event_type",
		}
	}
	seen := make(map[string]bool, len(e.Tags))
	for j, t := range e.Tags {
		if t.Key == "" {
			return &ValidationError{
				StoreError: StoreError{Op: "Append", Err: fmt.Errorf("invalid_event: empty tag key at event %d tag %d", index, j)},
				Field:      "tags.key",
			}
		}
		if t.Value == "" {
			return &ValidationError{
				StoreError: StoreError{Op: "Append", Err: fmt.Errorf("invalid_event: empty tag value at event %d tag %d", index, j)},
				Field:      "tags.value",
			}
		}
		if seen[t.Key] {
			return &ValidationError{
				StoreError: StoreError{Op: "Append", Err: fmt.Errorf("invalid_event: duplicate tag key %q at event %d", t.Key, index)},
				Field:      "tags.key",
				Value:      t.Key,
			}
		}
		seen[t.Key] = true
	}
	return nil
}
