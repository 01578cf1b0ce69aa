package dcb

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func invoiceCountProjector(invoiceID string) StateProjector {
	return StateProjector{
		Query:        NewQuery(NewTags("invoice_id", invoiceID), "InvoiceIssued"),
		InitialState: 0,
		TransitionFn: func(state any, e SequencedEvent) any {
			return state.(int) + 1
		},
	}
}

func TestBuildDecisionModelFoldsSingleProjector(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV1"), nil),
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV1"), nil),
	}, nil))

	model, err := s.BuildDecisionModel(ctx, invoiceCountProjector("INV1"))
	require.NoError(t, err)
	require.Equal(t, 2, model.State)
	require.Equal(t, uint64(2), model.AppendCondition.AfterPosition)
}

func TestBuildDecisionModel2CombinesTwoProjectorsViaOneRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV1"), nil),
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV2"), nil),
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV2"), nil),
	}, nil))

	model, err := s.BuildDecisionModel2(ctx, invoiceCountProjector("INV1"), invoiceCountProjector("INV2"))
	require.NoError(t, err)
	require.Equal(t, 1, model.State1, "INV1 projector must fold only its own matching events")
	require.Equal(t, 2, model.State2, "INV2 projector must fold only its own matching events")
	require.Equal(t, uint64(3), model.AppendCondition.AfterPosition, "condition covers the union read's max position")
}

func TestBuildDecisionModel3CombinesThreeProjectorsViaOneRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV1"), nil),
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV2"), nil),
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV3"), nil),
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV3"), nil),
	}, nil))

	model, err := s.BuildDecisionModel3(ctx,
		invoiceCountProjector("INV1"), invoiceCountProjector("INV2"), invoiceCountProjector("INV3"))
	require.NoError(t, err)
	require.Equal(t, 1, model.State1)
	require.Equal(t, 1, model.State2)
	require.Equal(t, 2, model.State3)
}

// S4: two concurrent decision-and-append attempts race to assign the next
// consecutive invoice number. ExecuteDecision's retry loop must land both
// without gaps or duplicates.
func TestExecuteDecisionRetriesToConsecutiveNumbers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, []NewEvent{
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV1", "number", "1"), nil),
		NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV1", "number", "2"), nil),
	}, nil))

	operation := func(ctx context.Context, s *Store) error {
		model, err := s.BuildDecisionModel(ctx, invoiceCountProjector("INV1"))
		if err != nil {
			return err
		}
		next := model.State.(int) + 1
		return s.Append(ctx, []NewEvent{
			NewEventFrom("InvoiceIssued", NewTags("invoice_id", "INV1", "number", strconv.Itoa(next)), nil),
		}, &model.AppendCondition)
	}

	const attempts = 2
	start := make(chan struct{})
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			<-start
			errs <- s.ExecuteDecision(ctx, operation, 10)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.Read(ctx, NewQuery(NewTags("invoice_id", "INV1"), "InvoiceIssued"), ReadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 4)

	seen := make(map[string]bool, len(events))
	for _, e := range events {
		for _, tag := range e.Event.Tags {
			if tag.Key != "number" {
				continue
			}
			require.False(t, seen[tag.Value], "invoice number %s assigned twice", tag.Value)
			seen[tag.Value] = true
		}
	}
	require.Len(t, seen, 4, "no gaps: every number 1..4 must be present exactly once")
	for n := 1; n <= 4; n++ {
		require.True(t, seen[strconv.Itoa(n)], "missing invoice number %d", n)
	}
}

func TestExecuteDecisionPassesThroughNonConcurrencyErrors(t *testing.T) {
	s := openTestStore(t)
	boom := &ValidationError{StoreError: StoreError{Op: "test", Err: context.DeadlineExceeded}, Field: "x"}
	calls := 0
	operation := func(ctx context.Context, s *Store) error {
		calls++
		return boom
	}
	err := s.ExecuteDecision(context.Background(), operation, 5)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls, "a non-concurrency error must not be retried")
}
