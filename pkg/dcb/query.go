package dcb

// QueryItem is a single atomic query condition: an event matches the item
// when its type is in Types (nil or empty means any type) and its tags are
// a superset of Tags.
type QueryItem struct {
	Types []string `json:"event_types,omitempty"`
	Tags  Tags     `json:"tags,omitempty"`
}

// NewQueryItem creates a query item from a type filter and a tag filter.
func NewQueryItem(types []string, tags Tags) QueryItem {
	return QueryItem{Types: types, Tags: tags}
}

// Matches implements the item predicate against a single event. The
// event's current type name is consulted, not the stored one.
func (qi QueryItem) Matches(e Event) bool {
	if len(qi.Types) > 0 {
		found := false
		for _, t := range qi.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return e.Tags.ContainsAll(qi.Tags)
}

// Query is a composite query: a disjunction of items, optionally
// truncated by an until reference. The zero value matches no event and is
// the sentinel for "append unconditionally".
type Query struct {
	items []QueryItem
	all   bool
	until *EventReference
}

// QueryAll returns the query matching every event.
func QueryAll() Query {
	return Query{all: true}
}

// QueryNone returns the query matching no event.
func QueryNone() Query {
	return Query{}
}

// NewQuery creates a query from the given items, combined with OR logic.
// With no items the result is QueryNone.
func NewQuery(items ...QueryItem) Query {
	if len(items) == 0 {
		return Query{}
	}
	return Query{items: items}
}

// NewQuerySimple creates a single-item query from a tag set and optional
// event types.
func NewQuerySimple(tags Tags, eventTypes ...string) Query {
	return NewQuery(NewQueryItem(eventTypes, tags))
}

// IsAll reports whether the query matches every event.
func (q Query) IsAll() bool { return q.all }

// IsNone reports whether the query matches no event.
func (q Query) IsNone() bool { return !q.all && len(q.items) == 0 }

// Items returns the query's items. Empty for the all/none sentinels.
func (q Query) Items() []QueryItem { return q.items }

// Until returns the query's truncation reference, or nil.
func (q Query) Until() *EventReference { return q.until }

// WithUntil returns a copy of q truncated to events at or before ref.
func (q Query) WithUntil(ref EventReference) Query {
	q.until = &ref
	return q
}

// UntilIfEarlier tightens the truncation bound: the result's until is the
// earlier of the current bound and ref.
func (q Query) UntilIfEarlier(ref EventReference) Query {
	if q.until == nil {
		return q.WithUntil(ref)
	}
	return q.WithUntil(EarlierOf(*q.until, ref))
}

// CombineWith unions the items of two queries. An all query absorbs the
// other; a none query is the identity. Truncation bounds are tightened to
// the earlier of the two.
func (q Query) CombineWith(other Query) Query {
	out := Query{all: q.all || other.all}
	if !out.all {
		out.items = append(append([]QueryItem{}, q.items...), other.items...)
	}
	switch {
	case q.until != nil && other.until != nil:
		u := EarlierOf(*q.until, *other.until)
		out.until = &u
	case q.until != nil:
		out.until = q.until
	case other.until != nil:
		out.until = other.until
	}
	return out
}

// Matches evaluates the full query predicate for a single event: the item
// disjunction first, then the until gate, which is inclusive by position.
func (q Query) Matches(e Event) bool {
	if q.until != nil && e.Ref.Position > q.until.Position {
		return false
	}
	if q.all {
		return true
	}
	for _, item := range q.items {
		if item.Matches(e) {
			return true
		}
	}
	return false
}

// expandTypes returns a copy of q with every item's type filter widened
// by the given expansion (used to fold legacy stored types into queries
// on current type names). A nil expansion returns q unchanged.
func (q Query) expandTypes(expand func([]string) []string) Query {
	if expand == nil || q.all || len(q.items) == 0 {
		return q
	}
	items := make([]QueryItem, len(q.items))
	for i, item := range q.items {
		items[i] = QueryItem{Types: expand(item.Types), Tags: item.Tags}
	}
	q.items = items
	return q
}

// AppendCondition is the optimistic-lock predicate for appends: the
// append fails when any event matching FailIfEventsMatch exists after the
// After reference (or at all, when After is nil). A none query means
// "append unconditionally".
type AppendCondition struct {
	FailIfEventsMatch Query           `json:"fail_if_events_match"`
	After             *EventReference `json:"after,omitempty"`
}

// Unconditional returns the condition that always allows the append.
func Unconditional() AppendCondition {
	return AppendCondition{}
}

// FailIfMatch returns a condition expecting zero events matching q.
func FailIfMatch(q Query) AppendCondition {
	return AppendCondition{FailIfEventsMatch: q}
}

// FailIfMatchAfter returns a condition expecting no event matching q
// after the given reference.
func FailIfMatchAfter(q Query, after EventReference) AppendCondition {
	return AppendCondition{FailIfEventsMatch: q, After: &after}
}

// IsUnconditional reports whether the condition never blocks an append.
func (c AppendCondition) IsUnconditional() bool {
	return c.FailIfEventsMatch.IsNone()
}
