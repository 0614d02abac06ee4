package dcb

import "time"

// Event is a single stored event. Type is the current domain type name
// after upcasting; StoredType is the name the event was appended under.
// The two differ only when an upcaster was applied at read.
type Event struct {
	Stream     StreamID       `json:"stream"`
	Type       string         `json:"type"`
	StoredType string         `json:"stored_type"`
	Ref        EventReference `json:"ref"`
	Data       []byte         `json:"data"`
	Tags       Tags           `json:"tags"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// InputEvent is an event to be appended: no reference, stream or
// timestamp yet. The optional idempotency key is permitted only when the
// append batch contains exactly one event.
type InputEvent struct {
	Type           string `json:"type"`
	Tags           Tags   `json:"tags"`
	Data           []byte `json:"data"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// NewInputEvent creates a new InputEvent with the given type, tags, and
// data. Validation is performed when the event is appended.
func NewInputEvent(eventType string, tags Tags, data []byte) InputEvent {
	return InputEvent{
		Type: eventType,
		Tags: tags,
		Data: data,
	}
}

// WithIdempotencyKey returns a copy of the event carrying the given
// client-supplied idempotency key.
func (e InputEvent) WithIdempotencyKey(key string) InputEvent {
	e.IdempotencyKey = key
	return e
}

// NewEventBatch creates a slice of events from the given InputEvents.
// Convenience for appending multiple related events in one operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// Bookmark is a persisted cursor for a named reader. One bookmark per
// reader name, last writer wins.
type Bookmark struct {
	Reader    string         `json:"reader"`
	Ref       EventReference `json:"ref"`
	Tags      Tags           `json:"tags"`
	UpdatedAt time.Time      `json:"updated_at"`
}
