package dcb

import "strings"

// QueryItem is one disjunct of a Query: OR across EventTypes, AND across
// Tags. An item with both fields empty matches every event (spec.md §4.6).
type QueryItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []Tag    `json:"tags"`
}

// Query is a disjunction (OR) of QueryItems.
type Query struct {
	Items []QueryItem `json:"items"`
}

// IsMatchAll reports whether q matches every event — either no items, or
// at least one item with no types and no tags.
func (q Query) IsMatchAll() bool {
	if len(q.Items) == 0 {
		return true
	}
	for _, item := range q.Items {
		if len(item.EventTypes) == 0 && len(item.Tags) == 0 {
			return true
		}
	}
	return false
}

// Matches reports whether e satisfies q, mirroring the on-disk OR/AND
// semantics the index-based engine evaluates. Used by the in-memory
// decision-model fold to route one batch-read result to several
// projections without re-reading the store (spec.md §4.11).
func (q Query) Matches(e Event) bool {
	if len(q.Items) == 0 {
		return true
	}
	for _, item := range q.Items {
		if item.matches(e) {
			return true
		}
	}
	return false
}

func (item QueryItem) matches(e Event) bool {
	if len(item.EventTypes) > 0 {
		found := false
		for _, t := range item.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tag := range item.Tags {
		if !hasTag(e.Tags, tag) {
			return false
		}
	}
	return true
}

func hasTag(tags []Tag, want Tag) bool {
	wk, wv := strings.ToLower(want.Key), strings.ToLower(want.Value)
	for _, t := range tags {
		if strings.ToLower(t.Key) == wk && strings.ToLower(t.Value) == wv {
			return true
		}
	}
	return false
}

// AppendCondition is the DCB concurrency primitive: the append fails if
// any stored event with position > AfterPosition matches FailIfEventsMatch.
type AppendCondition struct {
	FailIfEventsMatch Query
	AfterPosition     uint64 // 0 means "all events"
}
