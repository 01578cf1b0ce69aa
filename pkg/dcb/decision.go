package dcb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DecisionModel is the result of folding one or more StateProjectors over a
// single combined read: the folded state(s) plus the AppendCondition that
// guards against any newer event matching the union of their queries
// (spec.md §4.11).
type DecisionModel struct {
	AppendCondition AppendCondition
}

// DecisionModel1 carries one folded state.
type DecisionModel1 struct {
	DecisionModel
	State any
}

// DecisionModel2 carries two independently folded states from one read.
type DecisionModel2 struct {
	DecisionModel
	State1 any
	State2 any
}

// DecisionModel3 carries three independently folded states from one read.
type DecisionModel3 struct {
	DecisionModel
	State1 any
	State2 any
	State3 any
}

// BuildDecisionModel reads the events matching projector.Query, folds them
// with projector.TransitionFn, and returns the folded state together with
// an AppendCondition that fails the subsequent append if any further event
// matching the same query has appeared since the read.
func (s *Store) BuildDecisionModel(ctx context.Context, projector StateProjector) (DecisionModel1, error) {
	events, maxPos, err := s.readForDecision(ctx, projector.Query)
	if err != nil {
		return DecisionModel1{}, err
	}
	return DecisionModel1{
		DecisionModel: DecisionModel{AppendCondition: NewAppendCondition(projector.Query, maxPos)},
		State:         projector.fold(events),
	}, nil
}

// BuildDecisionModel2 combines two projectors into a single read: the
// union of their queries is read once, then each projector folds only the
// subset of events its own query matches (in-memory, via Query.Matches).
func (s *Store) BuildDecisionModel2(ctx context.Context, p1, p2 StateProjector) (DecisionModel2, error) {
	union := Query{Items: append(append([]QueryItem{}, p1.Query.Items...), p2.Query.Items...)}
	events, maxPos, err := s.readForDecision(ctx, union)
	if err != nil {
		return DecisionModel2{}, err
	}
	return DecisionModel2{
		DecisionModel: DecisionModel{AppendCondition: NewAppendCondition(union, maxPos)},
		State1:        p1.fold(filterMatching(events, p1.Query)),
		State2:        p2.fold(filterMatching(events, p2.Query)),
	}, nil
}

// BuildDecisionModel3 is the three-projector overload of BuildDecisionModel2.
func (s *Store) BuildDecisionModel3(ctx context.Context, p1, p2, p3 StateProjector) (DecisionModel3, error) {
	union := Query{Items: append(append(append([]QueryItem{}, p1.Query.Items...), p2.Query.Items...), p3.Query.Items...)}
	events, maxPos, err := s.readForDecision(ctx, union)
	if err != nil {
		return DecisionModel3{}, err
	}
	return DecisionModel3{
		DecisionModel: DecisionModel{AppendCondition: NewAppendCondition(union, maxPos)},
		State1:        p1.fold(filterMatching(events, p1.Query)),
		State2:        p2.fold(filterMatching(events, p2.Query)),
		State3:        p3.fold(filterMatching(events, p3.Query)),
	}, nil
}

func (s *Store) readForDecision(ctx context.Context, query Query) ([]SequencedEvent, uint64, error) {
	events, err := s.Read(ctx, query, ReadOptions{})
	if err != nil {
		return nil, 0, err
	}
	var maxPos uint64
	for _, e := range events {
		if e.Position > maxPos {
			maxPos = e.Position
		}
	}
	return events, maxPos, nil
}

func filterMatching(events []SequencedEvent, query Query) []SequencedEvent {
	out := make([]SequencedEvent, 0, len(events))
	for _, e := range events {
		if query.Matches(e.Event) {
			out = append(out, e)
		}
	}
	return out
}

// DecisionOperation is the caller-supplied read-decide-append unit that
// ExecuteDecision retries on append_condition_failed.
type DecisionOperation func(ctx context.Context, s *Store) error

// ExecuteDecision runs operation, retrying with exponential backoff
// (initial 10ms, cap 500ms) up to maxRetries times whenever it returns a
// ConcurrencyError (append_condition_failed). Any other error, or the
// final exhausted ConcurrencyError, is returned as-is (spec.md §4.11).
func (s *Store) ExecuteDecision(ctx context.Context, operation DecisionOperation, maxRetries int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = operation(ctx, s)
		if lastErr == nil {
			return nil
		}
		if !IsConcurrencyError(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}
		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return &CancelledError{StoreError: StoreError{Op: "ExecuteDecision", Err: ctx.Err()}}
		case <-time.After(wait):
		}
	}
	return lastErr
}
