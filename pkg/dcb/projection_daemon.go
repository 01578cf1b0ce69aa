package dcb

import (
	"context"
	"time"
)

// daemon polls the store for newly appended events and drives every
// registered projection's incremental update on a fixed interval
// (spec.md §4.10). Exactly one tick runs at a time; cancellation during a
// tick abandons its remaining chunks without rolling back checkpoints
// already advanced (safe by the checkpoint-monotonicity invariant).
type daemon struct {
	store *Store

	cancel context.CancelFunc
	done   chan struct{}
}

// startDaemon launches the polling loop in its own goroutine and returns
// immediately. The daemon owns its own cancellation token (spec.md §9
// design note), stopped via Store.StopDaemon or Store.Close.
func startDaemon(s *Store) *daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{store: s, cancel: cancel, done: make(chan struct{})}
	go d.run(ctx)
	return d
}

func (d *daemon) run(ctx context.Context) {
	defer close(d.done)

	select {
	case <-time.After(d.store.cfg.ProjectionPollingInterval):
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := d.tick(ctx); err != nil && !IsCancelledError(err) {
			d.store.log.Error().Err(err).Msg("projection daemon tick failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.store.cfg.ProjectionPollingInterval):
		}
	}
}

func (d *daemon) tick(ctx context.Context) error {
	min, err := d.store.projections.minCheckpoint()
	if err != nil {
		return err
	}

	events, err := d.store.Read(ctx, NewQueryAll(), ReadOptions{FromPosition: min})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	batchSize := d.store.cfg.ProjectionBatchSize
	for start := 0; start < len(events); start += batchSize {
		select {
		case <-ctx.Done():
			return &CancelledError{StoreError: StoreError{Op: "ProjectionDaemon", Err: ctx.Err()}}
		default:
		}
		end := start + batchSize
		if end > len(events) {
			end = len(events)
		}
		if err := d.store.projections.Update(events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) stop() {
	d.cancel()
	<-d.done
}
