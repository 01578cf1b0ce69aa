package dcb

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"go-dcbstore/dcblog"
	"go-dcbstore/internal/filelock"
	"go-dcbstore/internal/ledger"
	"go-dcbstore/internal/payloadstore"
	"go-dcbstore/internal/posindex"
	"go-dcbstore/internal/storepaths"
)

// Store is the embedded, file-backed, single-node DCB event store.
// A Store value must be created with Open and is safe for concurrent use
// by multiple goroutines within one process; cross-process safety is
// provided by the file lock (spec.md §4.4).
type Store struct {
	cfg    StoreConfig
	layout storepaths.Layout
	log    zerolog.Logger

	ledger   *ledger.Ledger
	payloads *payloadstore.Store
	typeIdx  *posindex.Index[uint64]
	tagIdx   *posindex.Index[uint64]
	lock     *filelock.Lock

	writeMu sync.Mutex // intra-process write mutex, spec.md §4.4/§5

	projections *manager

	daemon   *daemon
	daemonMu sync.Mutex
}

// Open opens (creating if necessary) the store directory described by cfg
// and returns a ready-to-use Store. RootPath and StoreName are required.
func Open(cfg StoreConfig) (*Store, error) {
	cfg = cfg.normalize()
	if cfg.RootPath == "" || cfg.StoreName == "" {
		return nil, &ValidationError{
			StoreError: StoreError{Op: "Open", Err: fmt.Errorf("root_path and store_name are required")},
			Field:      "store_name",
		}
	}
	if cfg.Log.Configure {
		dcblog.Init(dcblog.Config{JSONOutput: cfg.Log.JSONOutput})
	}

	layout := storepaths.New(cfg.RootPath, cfg.StoreName)
	for _, dir := range []string{layout.Root, layout.EventsDir(), layout.TypeIndexDir(), layout.TagIndexDir(), layout.CheckpointsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ResourceError{
				StoreError: StoreError{Op: "Open", Err: fmt.Errorf("create %s: %w", dir, err)},
				Resource:   "filesystem",
			}
		}
	}

	l, err := ledger.Open(layout.Ledger())
	if err != nil {
		return nil, corruptOrResource("Open", layout.Ledger(), err)
	}

	s := &Store{
		cfg:      cfg,
		layout:   layout,
		log:      dcblog.For("store", cfg.StoreName),
		ledger:   l,
		payloads: payloadstore.New(layout.EventsDir(), cfg.WriteProtectEvents),
		typeIdx:  posindex.New[uint64](layout.TypeIndexDir()),
		tagIdx:   posindex.New[uint64](layout.TagIndexDir()),
		lock:     filelock.New(layout.LockFile()),
	}
	s.projections = newManager(s)
	return s, nil
}

func corruptOrResource(op, path string, err error) error {
	var ce *ledger.CorruptError
	if asCorrupt(err, &ce) {
		return &CorruptStateError{
			StoreError: StoreError{Op: op, Err: err},
			Path:       path,
		}
	}
	return &ResourceError{
		StoreError: StoreError{Op: op, Err: err},
		Resource:   "filesystem",
	}
}

func asCorrupt(err error, target **ledger.CorruptError) bool {
	ce, ok := err.(*ledger.CorruptError)
	if ok {
		*target = ce
	}
	return ok
}

// StoreName returns the configured store name.
func (s *Store) StoreName() string { return s.cfg.StoreName }

// Position returns the current ledger position (0 if the store is empty).
func (s *Store) Position() uint64 { return s.ledger.Read() }

// RegisterProjection registers a persisted, keyed projection definition.
// Returns a duplicate_projection_name error if the name is already taken.
func (s *Store) RegisterProjection(def ProjectionDefinition) error {
	return s.projections.Register(def)
}

// RebuildProjection fully reprocesses the named projection from position 0.
func (s *Store) RebuildProjection(ctx context.Context, name string) error {
	return s.projections.Rebuild(ctx, name)
}

// RebuildAllProjections rebuilds every registered projection whose
// checkpoint is still 0, or every one of them when forceRebuild is true.
func (s *Store) RebuildAllProjections(ctx context.Context, forceRebuild bool) error {
	return s.projections.RebuildAll(ctx, forceRebuild)
}

// ProjectionState returns the current folded state for key in the named
// projection, or ok=false if no state is persisted for that key.
func (s *Store) ProjectionState(name, key string) (state any, ok bool, err error) {
	def, ps, lookupErr := s.projections.lookup(name)
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	raw, ok, err := ps.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	state, err = decodeProjectionState(def, raw)
	return state, true, err
}

// ProjectionStates returns every persisted key/state pair for the named
// projection.
func (s *Store) ProjectionStates(name string) (map[string]any, error) {
	def, ps, err := s.projections.lookup(name)
	if err != nil {
		return nil, err
	}
	rawAll, err := ps.GetAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rawAll))
	for key, raw := range rawAll {
		state, err := decodeProjectionState(def, raw)
		if err != nil {
			return nil, err
		}
		out[key] = state
	}
	return out, nil
}

// ProjectionKeysByTag returns every key in the named projection whose
// extracted tags include tag (spec.md §4.8 query_by_tag).
func (s *Store) ProjectionKeysByTag(name string, tag Tag) ([]string, error) {
	_, ps, err := s.projections.lookup(name)
	if err != nil {
		return nil, err
	}
	return ps.QueryByTag(tag)
}

// ProjectionKeysByTags intersects ProjectionKeysByTag across every given
// tag (spec.md §4.8 query_by_tags).
func (s *Store) ProjectionKeysByTags(name string, tags []Tag) ([]string, error) {
	_, ps, err := s.projections.lookup(name)
	if err != nil {
		return nil, err
	}
	return ps.QueryByTags(tags)
}

// ProjectionKeysByPredicate returns every key in the named projection whose
// current decoded state satisfies predicate (spec.md §4.8 query_by_predicate).
func (s *Store) ProjectionKeysByPredicate(name string, predicate func(state any) bool) ([]string, error) {
	def, ps, err := s.projections.lookup(name)
	if err != nil {
		return nil, err
	}
	return ps.QueryByPredicate(def, predicate)
}

// ProjectionCheckpoint returns the named projection's current checkpoint.
func (s *Store) ProjectionCheckpoint(name string) (Checkpoint, error) {
	if _, _, err := s.projections.lookup(name); err != nil {
		return Checkpoint{}, err
	}
	return s.projections.readCheckpoint(name)
}

// StartDaemon launches the polling driver that keeps registered
// projections up to date in the background (spec.md §4.10). When
// cfg.ProjectionEnableAutoRebuild is set, every registered projection still
// at checkpoint 0 is rebuilt first (spec.md §6 "rebuild projections with
// zero checkpoint at startup"). A no-op if already running.
func (s *Store) StartDaemon() {
	s.daemonMu.Lock()
	defer s.daemonMu.Unlock()
	if s.daemon != nil {
		return
	}
	if s.cfg.ProjectionEnableAutoRebuild {
		if err := s.projections.RebuildAll(context.Background(), false); err != nil {
			s.log.Error().Err(err).Msg("projection auto-rebuild at startup failed")
		}
	}
	s.daemon = startDaemon(s)
}

// StopDaemon stops the polling driver if running, waiting for the
// in-flight tick to finish. A no-op if not running.
func (s *Store) StopDaemon() {
	s.daemonMu.Lock()
	defer s.daemonMu.Unlock()
	if s.daemon == nil {
		return
	}
	s.daemon.stop()
	s.daemon = nil
}

// Close stops the daemon (if running) and releases any held resources.
func (s *Store) Close() error {
	s.StopDaemon()
	return nil
}
