package dcb

// =============================================================================
// Tag constructors
// =============================================================================

// NewTag creates a single Tag.
func NewTag(key, value string) Tag { return Tag{Key: key, Value: value} }

// NewTags creates tags from alternating key/value pairs, e.g.
// NewTags("course_id", "C1", "email", "a@x"). An odd number of arguments
// yields no tags — validation happens when the store processes the event.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return nil
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// Tags is a map-based tag constructor for readability at call sites.
type Tags map[string]string

func (t Tags) ToTags() []Tag {
	tags := make([]Tag, 0, len(t))
	for k, v := range t {
		tags = append(tags, NewTag(k, v))
	}
	return tags
}

// =============================================================================
// Event constructors
// =============================================================================

// NewEventFrom creates a NewEvent with the given type, tags, and payload.
// Validation happens when the event reaches Append.
func NewEventFrom(eventType string, tags []Tag, payload []byte) NewEvent {
	return NewEvent{EventType: eventType, Tags: tags, Payload: payload}
}

// =============================================================================
// Query constructors
// =============================================================================

// NewQuery creates a single-item Query: OR across eventTypes, AND across
// the given tags.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return Query{Items: []QueryItem{{EventTypes: eventTypes, Tags: tags}}}
}

// NewQueryAll creates a Query matching every event.
func NewQueryAll() Query {
	return Query{Items: []QueryItem{{}}}
}

// NewQueryFromItems creates a Query from pre-built items (OR across them).
func NewQueryFromItems(items ...QueryItem) Query {
	return Query{Items: items}
}

// =============================================================================
// AppendCondition convenience constructors
// =============================================================================

// NewAppendCondition builds an AppendCondition that fails the append if any
// event matching failIfEventsMatch exists after afterPosition.
func NewAppendCondition(failIfEventsMatch Query, afterPosition uint64) AppendCondition {
	return AppendCondition{FailIfEventsMatch: failIfEventsMatch, AfterPosition: afterPosition}
}

// FailIfExists builds a condition that fails if any event carries the
// given tag, regardless of type — the S2/S3 email-uniqueness pattern.
func FailIfExists(key, value string) AppendCondition {
	return NewAppendCondition(NewQuery([]Tag{NewTag(key, value)}), 0)
}

// FailIfEventType builds a condition that fails if an event of eventType
// carries the given tag.
func FailIfEventType(eventType, key, value string) AppendCondition {
	return NewAppendCondition(NewQuery([]Tag{NewTag(key, value)}, eventType), 0)
}

// =============================================================================
// Query builder (fluent, OR of AND-groups)
// =============================================================================

// QueryBuilder builds a Query via a fluent interface: AddItem starts a new
// OR-branch, WithTag adds a tag that the current branch ANDs with its other
// tags, and WithType adds an event type that the branch ORs with its other
// types.
type QueryBuilder struct {
	items   []QueryItem
	current QueryItem
	dirty   bool
}

func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

func (b *QueryBuilder) AddItem() *QueryBuilder {
	b.flush()
	return b
}

func (b *QueryBuilder) WithTag(key, value string) *QueryBuilder {
	b.current.Tags = append(b.current.Tags, NewTag(key, value))
	b.dirty = true
	return b
}

func (b *QueryBuilder) WithTags(kv ...string) *QueryBuilder {
	for _, t := range NewTags(kv...) {
		b.current.Tags = append(b.current.Tags, t)
	}
	if len(kv) > 0 {
		b.dirty = true
	}
	return b
}

func (b *QueryBuilder) WithType(eventType string) *QueryBuilder {
	b.current.EventTypes = append(b.current.EventTypes, eventType)
	b.dirty = true
	return b
}

func (b *QueryBuilder) WithTypes(eventTypes ...string) *QueryBuilder {
	b.current.EventTypes = append(b.current.EventTypes, eventTypes...)
	if len(eventTypes) > 0 {
		b.dirty = true
	}
	return b
}

func (b *QueryBuilder) flush() {
	if b.dirty {
		b.items = append(b.items, b.current)
		b.current = QueryItem{}
		b.dirty = false
	}
}

func (b *QueryBuilder) Build() Query {
	b.flush()
	if len(b.items) == 0 {
		return NewQueryAll()
	}
	return Query{Items: b.items}
}

// =============================================================================
// Event / batch builders
// =============================================================================

// EventBuilder is a fluent constructor for a single NewEvent.
type EventBuilder struct {
	eventType string
	tags      []Tag
	payload   []byte
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{eventType: eventType}
}

func (b *EventBuilder) WithTag(key, value string) *EventBuilder {
	b.tags = append(b.tags, NewTag(key, value))
	return b
}

func (b *EventBuilder) WithPayload(payload []byte) *EventBuilder {
	b.payload = payload
	return b
}

func (b *EventBuilder) Build() NewEvent {
	return NewEventFrom(b.eventType, b.tags, b.payload)
}

// BatchBuilder accumulates a batch of NewEvent for a single Append call.
type BatchBuilder struct {
	events []NewEvent
}

func NewBatch() *BatchBuilder { return &BatchBuilder{} }

func (b *BatchBuilder) Add(e NewEvent) *BatchBuilder {
	b.events = append(b.events, e)
	return b
}

func (b *BatchBuilder) AddFromBuilder(eb *EventBuilder) *BatchBuilder {
	return b.Add(eb.Build())
}

func (b *BatchBuilder) Build() []NewEvent { return b.events }
