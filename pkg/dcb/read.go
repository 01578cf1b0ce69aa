package dcb

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"go-dcbstore/internal/storepaths"
)

// ReadOptions controls a Read call: Descending reverses result order, Limit
// caps the number of events returned (0 means unlimited).
type ReadOptions struct {
	FromPosition uint64
	Descending   bool
	Limit        int
}

const maxConcurrentPayloadReads = 16

// Read evaluates query against the indices, loads the matching payloads
// concurrently, and returns them as SequencedEvents ordered by position
// (descending if requested) — spec.md §4.7.
func (s *Store) Read(ctx context.Context, query Query, opts ReadOptions) (events []SequencedEvent, err error) {
	ctx, span := startSpan(ctx, "read", s.cfg.StoreName, -1)
	defer func() { endSpan(span, err) }()

	positions := s.compilePositions(query, opts.FromPosition)
	if opts.Descending {
		reverseUint64(positions)
	}
	if opts.Limit > 0 && len(positions) > opts.Limit {
		positions = positions[:opts.Limit]
	}
	if len(positions) == 0 {
		return nil, nil
	}

	loaded := make([]SequencedEvent, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPayloadReads)
	for i, pos := range positions {
		i, pos := i, pos
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			se, rErr := s.loadSequencedEvent(pos)
			if rErr != nil {
				return rErr
			}
			loaded[i] = se
			return nil
		})
	}
	if gErr := g.Wait(); gErr != nil {
		if ctx.Err() != nil {
			return nil, &CancelledError{StoreError: StoreError{Op: "Read", Err: ctx.Err()}}
		}
		if _, ok := gErr.(*CorruptStateError); ok {
			return nil, gErr
		}
		return nil, &ResourceError{StoreError: StoreError{Op: "Read", Err: gErr}, Resource: "filesystem"}
	}

	return loaded, nil
}

// ReadLast returns the single highest-positioned event matching query, or
// (SequencedEvent{}, false, nil) if none match.
func (s *Store) ReadLast(ctx context.Context, query Query) (SequencedEvent, bool, error) {
	events, err := s.Read(ctx, query, ReadOptions{Descending: true, Limit: 1})
	if err != nil {
		return SequencedEvent{}, false, err
	}
	if len(events) == 0 {
		return SequencedEvent{}, false, nil
	}
	return events[0], true, nil
}

func (s *Store) loadSequencedEvent(position uint64) (SequencedEvent, error) {
	data, err := s.payloads.Read(position)
	if err != nil {
		return SequencedEvent{}, fmt.Errorf("read payload at position %d: %w", position, err)
	}
	var pe persistedEvent
	if err := json.Unmarshal(data, &pe); err != nil {
		return SequencedEvent{}, &CorruptStateError{
			StoreError: StoreError{Op: "Read", Err: err},
			Path:       storepaths.EventFile(s.layout.EventsDir(), position),
		}
	}
	event := Event{
		ID:        pe.ID,
		EventType: pe.EventType,
		Payload:   pe.Payload,
		Tags:      pe.Tags,
		Metadata:  pe.Metadata,
	}
	return SequencedEvent{Position: position, Event: event, Metadata: pe.Metadata}, nil
}

func reverseUint64(s []uint64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
