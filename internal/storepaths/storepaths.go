// Package storepaths centralizes the on-disk layout of a store directory so
// every other package agrees on where things live, per spec.md §6:
//
//	<root>/<store-name>/
//	  .ledger
//	  .store.lock
//	  events/0000000001.json
//	  indices/event_type/<Type>.json
//	  indices/tags/<key>_<value>.json
//	  projections/_checkpoints/<Name>.checkpoint
//	  projections/<Name>/<key>.json
//	  projections/<Name>/metadata/index.json
//	  projections/<Name>/indices/<tag-key>_<tag-value>.json
package storepaths

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PositionWidth is the zero-padding width for event filenames. Fixed per
// spec.md §4.2 — "never changes for an existing store" — so it is not
// configurable.
const PositionWidth = 10

// Layout resolves every path under a single store root.
type Layout struct {
	Root string // <root>/<store-name>
}

func New(rootPath, storeName string) Layout {
	return Layout{Root: filepath.Join(rootPath, storeName)}
}

func (l Layout) Ledger() string     { return filepath.Join(l.Root, ".ledger") }
func (l Layout) LockFile() string   { return filepath.Join(l.Root, ".store.lock") }
func (l Layout) EventsDir() string  { return filepath.Join(l.Root, "events") }
func (l Layout) IndicesDir() string { return filepath.Join(l.Root, "indices") }
func (l Layout) TypeIndexDir() string {
	return filepath.Join(l.IndicesDir(), "event_type")
}
func (l Layout) TagIndexDir() string { return filepath.Join(l.IndicesDir(), "tags") }

func (l Layout) ProjectionsDir() string { return filepath.Join(l.Root, "projections") }
func (l Layout) CheckpointsDir() string {
	return filepath.Join(l.ProjectionsDir(), "_checkpoints")
}
func (l Layout) CheckpointFile(name string) string {
	return filepath.Join(l.CheckpointsDir(), EscapeKey(name)+".checkpoint")
}
func (l Layout) ProjectionDir(name string) string {
	return filepath.Join(l.ProjectionsDir(), EscapeKey(name))
}
func (l Layout) ProjectionStateFile(name, key string) string {
	return filepath.Join(l.ProjectionDir(name), EscapeKey(key)+".json")
}
func (l Layout) ProjectionMetadataIndex(name string) string {
	return filepath.Join(l.ProjectionDir(name), "metadata", "index.json")
}
func (l Layout) ProjectionTagIndexDir(name string) string {
	return filepath.Join(l.ProjectionDir(name), "indices")
}

// EventFile returns the path for the payload at the given position.
func EventFile(dir string, position uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%0*d.json", PositionWidth, position))
}

// TypeIndexFile returns the path of the position-index file for an event type.
func TypeIndexFile(dir, eventType string) string {
	return filepath.Join(dir, EscapeKey(eventType)+".json")
}

// TagIndexFile returns the path of the position-index file for a tag,
// lower-cased on both key and value per spec.md §4.3/§6.
func TagIndexFile(dir, key, value string) string {
	return filepath.Join(dir, EscapeKey(strings.ToLower(key))+"_"+EscapeKey(strings.ToLower(value))+".json")
}

// EscapeKey replaces filesystem-hostile characters with "_" so arbitrary
// event types / tag keys / tag values / projection names / projection keys
// can be used as file name components.
func EscapeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	return out
}
