package dcb

import (
	"context"
	"fmt"
)

// Direction selects the iteration order of a read.
type Direction int

const (
	// Forward orders ascending by (transaction, position).
	Forward Direction = iota
	// Backward orders descending by (transaction, position).
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "BACKWARD"
	}
	return "FORWARD"
}

// ReadOptions provides options for reading events. After is an exclusive
// cursor resolved by position only: whether the cursor event itself
// matches the query is irrelevant to what comes after it.
type ReadOptions struct {
	Stream    *StreamID       `json:"stream,omitempty"`
	After     *EventReference `json:"after,omitempty"`
	Limit     *int            `json:"limit,omitempty"`
	Direction Direction       `json:"direction"`
}

// AppendNotification announces a committed append batch on a stream.
type AppendNotification struct {
	Stream  StreamID
	LastRef EventReference
}

// BookmarkNotification announces a bookmark upsert.
type BookmarkNotification struct {
	Reader string
	Ref    EventReference
}

// AppendListener receives eventually-consistent append notifications.
// The returned reference is the listener's actual processed position;
// the fabric skips notifications whose last reference does not exceed it.
type AppendListener interface {
	Appended(n AppendNotification) EventReference
}

// AppendListenerFunc adapts a function to the AppendListener interface.
type AppendListenerFunc func(n AppendNotification) EventReference

func (f AppendListenerFunc) Appended(n AppendNotification) EventReference { return f(n) }

// BookmarkListener receives eventually-consistent bookmark notifications.
type BookmarkListener interface {
	BookmarkPlaced(n BookmarkNotification)
}

// BookmarkListenerFunc adapts a function to the BookmarkListener interface.
type BookmarkListenerFunc func(n BookmarkNotification)

func (f BookmarkListenerFunc) BookmarkPlaced(n BookmarkNotification) { f(n) }

// EventIterator provides a single-pass streaming interface for reading
// events. Reopening the same query returns a fresh iterator.
type EventIterator interface {
	// Next advances to the next event, returning false if no more events
	Next() bool

	// Event returns the current event
	Event() Event

	// Err returns any error that occurred during iteration
	Err() error

	// Close closes the iterator and releases resources
	Close() error
}

// AppendResult carries the stored events of an append and whether the
// write was deduplicated by an idempotency key.
type AppendResult struct {
	Events       []Event
	Deduplicated bool
}

// LastRef returns the reference of the last stored event.
func (r AppendResult) LastRef() EventReference {
	if len(r.Events) == 0 {
		return EventReference{}
	}
	return r.Events[len(r.Events)-1].Ref
}

// Storage is the port between the core and a concrete backend.
// Implementations must be safe for concurrent use, must assign dense
// monotonic positions and a per-batch transaction number, and must make
// the condition check and the write one atomic step.
type Storage interface {
	// Query returns an iterator over events matching q under opts,
	// without upcasting: Type equals StoredType on every returned event.
	Query(ctx context.Context, q Query, opts ReadOptions) (EventIterator, error)

	// Append atomically validates the condition and persists the batch to
	// the given specific stream. A batch whose single event carries an
	// idempotency key already seen on the stream is not written; the
	// original stored event is returned with Deduplicated set.
	Append(ctx context.Context, stream StreamID, events []InputEvent, cond AppendCondition) (AppendResult, error)

	// GetEventByID returns the stored event with the given id, or nil.
	GetEventByID(ctx context.Context, id string) (*Event, error)

	// PutBookmark upserts the bookmark for a reader name.
	PutBookmark(ctx context.Context, reader string, ref EventReference, tags Tags) error

	// GetBookmark returns the reader's bookmark reference, or nil.
	GetBookmark(ctx context.Context, reader string) (*EventReference, error)

	// RemoveBookmark deletes the reader's bookmark, returning the removed
	// reference or nil when none existed.
	RemoveBookmark(ctx context.Context, reader string) (*EventReference, error)

	// SubscribeAppends registers an eventually-consistent append listener
	// scoped to streams readable through id. It returns an unsubscribe func.
	SubscribeAppends(l AppendListener, id StreamID) func()

	// SubscribeBookmarks registers an eventually-consistent bookmark
	// listener. It returns an unsubscribe func.
	SubscribeBookmarks(l BookmarkListener) func()

	// MaxQueryLimit returns the storage-wide absolute result limit,
	// 0 meaning unlimited.
	MaxQueryLimit() int

	// Stop drains pending notifications best-effort and refuses further
	// operations.
	Stop(ctx context.Context) error
}

// EffectiveLimit reconciles a user-requested soft limit with the
// storage-wide absolute limit. With no soft limit it returns absolute+1
// so the caller can detect overrun (0 when unlimited); a soft limit above
// the absolute one is rejected outright.
func EffectiveLimit(soft *int, absolute int) (int, error) {
	if soft == nil {
		if absolute == 0 {
			return 0, nil
		}
		return absolute + 1, nil
	}
	if *soft < 0 {
		return 0, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "EffectiveLimit",
				Err: fmt.Errorf("limit must not be negative, got %d", *soft),
			},
			Field: "limit",
			Value: fmt.Sprintf("%d", *soft),
		}
	}
	if absolute != 0 && *soft > absolute {
		return 0, &LimitExceededError{
			EventStoreError: EventStoreError{
				Op:  "EffectiveLimit",
				Err: fmt.Errorf("requested limit %d exceeds the absolute limit %d", *soft, absolute),
			},
			Requested: *soft,
			Max:       absolute,
		}
	}
	return *soft, nil
}
