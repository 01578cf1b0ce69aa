package dcb

import (
	"sort"

	"go-dcbstore/internal/posindex"
	"go-dcbstore/internal/storepaths"
)

// compilePositions evaluates query against the type/tag indices (and the
// ledger, for match-all items) and returns a sorted, deduplicated,
// from-position-filtered stream of positions — spec.md §4.5.
func (s *Store) compilePositions(query Query, fromPosition uint64) []uint64 {
	if len(query.Items) == 0 {
		return s.allPositionsAfter(fromPosition)
	}

	var perItem [][]uint64
	for _, item := range query.Items {
		perItem = append(perItem, s.compileItem(item, fromPosition))
	}
	merged := posindex.KWayMergeUnion(perItem)
	return merged
}

func (s *Store) compileItem(item QueryItem, fromPosition uint64) []uint64 {
	if len(item.EventTypes) == 0 && len(item.Tags) == 0 {
		return s.allPositionsAfter(fromPosition)
	}

	var typeUnion []uint64
	haveTypes := len(item.EventTypes) > 0
	if haveTypes {
		lists := make([][]uint64, len(item.EventTypes))
		for i, t := range item.EventTypes {
			path := storepaths.TypeIndexFile(s.typeIdx.Dir(), t)
			lists[i] = s.typeIdx.Read(path)
		}
		typeUnion = posindex.KWayMergeUnion(lists)
	}

	var tagIntersect []uint64
	haveTags := len(item.Tags) > 0
	if haveTags {
		lists := make([][]uint64, len(item.Tags))
		for i, tg := range item.Tags {
			path := storepaths.TagIndexFile(s.tagIdx.Dir(), tg.Key, tg.Value)
			lists[i] = s.tagIdx.Read(path)
		}
		tagIntersect = posindex.KWayMergeIntersect(lists)
	}

	var result []uint64
	switch {
	case haveTypes && haveTags:
		result = posindex.KWayMergeIntersect([][]uint64{typeUnion, tagIntersect})
	case haveTypes:
		result = typeUnion
	case haveTags:
		result = tagIntersect
	}

	return filterAfter(result, fromPosition)
}

func (s *Store) allPositionsAfter(fromPosition uint64) []uint64 {
	// Re-read the ledger file so positions committed by another process are
	// visible; the cached value is used only if the file cannot be read.
	highest := s.ledger.Read()
	if onDisk, err := s.ledger.Reload(); err == nil {
		highest = onDisk
	}
	if highest <= fromPosition {
		return nil
	}
	out := make([]uint64, 0, highest-fromPosition)
	for p := fromPosition + 1; p <= highest; p++ {
		out = append(out, p)
	}
	return out
}

func filterAfter(positions []uint64, fromPosition uint64) []uint64 {
	if fromPosition == 0 {
		return positions
	}
	idx := sort.Search(len(positions), func(i int) bool { return positions[i] > fromPosition })
	return positions[idx:]
}
