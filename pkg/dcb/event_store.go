package dcb

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
)

// EventStore is the append and query engine over a Storage backend. It
// owns batch validation, limit reconciliation and the channel-streaming
// surface; typed access with admission, codec gating and upcasting is
// provided by EventStream facades opened from it.
type EventStore struct {
	storage Storage
	codec   Codec
	log     logr.Logger
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithCodec overrides the default JSON codec.
func WithCodec(c Codec) Option {
	return func(es *EventStore) { es.codec = c }
}

// WithLogger sets the ambient logger.
func WithLogger(log logr.Logger) Option {
	return func(es *EventStore) { es.log = log }
}

// NewEventStore creates an engine over the given storage backend.
func NewEventStore(storage Storage, opts ...Option) *EventStore {
	es := &EventStore{
		storage: storage,
		codec:   JSONCodec{},
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// Storage exposes the underlying backend.
func (es *EventStore) Storage() Storage { return es.storage }

// Codec exposes the configured codec.
func (es *EventStore) Codec() Codec { return es.codec }

// Read returns an iterator over events matching q, without upcasting.
// The requested limit is reconciled against the backend's absolute limit;
// an unbounded read over a bounded backend fails with LimitExceededError
// as soon as iteration passes the absolute limit.
func (es *EventStore) Read(ctx context.Context, q Query, opts *ReadOptions) (EventIterator, error) {
	options := ReadOptions{}
	if opts != nil {
		options = *opts
	}
	absolute := es.storage.MaxQueryLimit()
	effective, err := EffectiveLimit(options.Limit, absolute)
	if err != nil {
		return nil, err
	}
	soft := options.Limit
	if effective > 0 {
		options.Limit = &effective
	} else {
		options.Limit = nil
	}
	it, err := es.storage.Query(ctx, q, options)
	if err != nil {
		return nil, err
	}
	if soft == nil && absolute > 0 {
		return &guardIterator{inner: it, max: absolute}, nil
	}
	return it, nil
}

// ReadChannel streams matching events over a channel, closing it when the
// iterator is exhausted, fails, or ctx is cancelled. Iteration errors are
// logged; consumers needing them use Read directly.
func (es *EventStore) ReadChannel(ctx context.Context, q Query, opts *ReadOptions) (<-chan Event, error) {
	it, err := es.Read(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, defaultStreamBuffer)
	go func() {
		defer close(out)
		defer it.Close()
		for it.Next() {
			select {
			case out <- it.Event():
			case <-ctx.Done():
				return
			}
		}
		if err := it.Err(); err != nil {
			es.log.Error(err, "channel read aborted")
		}
	}()
	return out, nil
}

// Append validates the batch and delegates the atomic conditional write
// to the backend. The stream must be specific. Admission and the codec
// round-trip gate belong to the typed facade; untyped appends through the
// engine only check batch shape.
func (es *EventStore) Append(ctx context.Context, stream StreamID, events []InputEvent, cond AppendCondition) (AppendResult, error) {
	if !stream.IsSpecific() {
		return AppendResult{}, &NonSpecificStreamError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("stream %s is not specific", stream),
			},
			Stream: stream,
		}
	}
	if err := validateBatch(events); err != nil {
		return AppendResult{}, err
	}
	result, err := es.storage.Append(ctx, stream, events, cond)
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

// validateBatch checks the shape rules every append batch must satisfy.
func validateBatch(events []InputEvent) error {
	if len(events) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("events must not be empty"),
			},
			Field: "events",
			Value: "empty",
		}
	}
	keyed := 0
	for i, event := range events {
		if event.Type == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("event at index %d has empty type", i),
				},
				Field: "type",
				Value: "empty",
			}
		}
		for _, tag := range event.Tags {
			if tag.IsZero() {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "append",
						Err: fmt.Errorf("event at index %d has a tag with empty key and value", i),
					},
					Field: "tag",
					Value: "empty",
				}
			}
		}
		if event.IdempotencyKey != "" {
			keyed++
		}
	}
	if keyed > 0 && len(events) > 1 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("idempotency keys are permitted only on single-event batches, batch has %d events", len(events)),
			},
			Field: "idempotencyKey",
			Value: fmt.Sprintf("count:%d", keyed),
		}
	}
	return nil
}

// GetEventByID returns the stored event with the given id, or nil.
func (es *EventStore) GetEventByID(ctx context.Context, id string) (*Event, error) {
	return es.storage.GetEventByID(ctx, id)
}

// PutBookmark upserts a bookmark for a reader name.
func (es *EventStore) PutBookmark(ctx context.Context, reader string, ref EventReference, tags Tags) error {
	if reader == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "putBookmark",
				Err: fmt.Errorf("reader name must not be empty"),
			},
			Field: "reader",
			Value: "empty",
		}
	}
	return es.storage.PutBookmark(ctx, reader, ref, tags)
}

// GetBookmark returns the reader's bookmark reference, or nil.
func (es *EventStore) GetBookmark(ctx context.Context, reader string) (*EventReference, error) {
	return es.storage.GetBookmark(ctx, reader)
}

// RemoveBookmark deletes the reader's bookmark and returns the removed
// reference, or nil when none existed.
func (es *EventStore) RemoveBookmark(ctx context.Context, reader string) (*EventReference, error) {
	return es.storage.RemoveBookmark(ctx, reader)
}

// SubscribeAppends registers an eventually-consistent append listener
// scoped to streams readable through id.
func (es *EventStore) SubscribeAppends(l AppendListener, id StreamID) func() {
	return es.storage.SubscribeAppends(l, id)
}

// SubscribeBookmarks registers an eventually-consistent bookmark listener.
func (es *EventStore) SubscribeBookmarks(l BookmarkListener) func() {
	return es.storage.SubscribeBookmarks(l)
}

// Stop stops the backend: pending notifications are drained best-effort
// and further operations fail with StoreClosedError.
func (es *EventStore) Stop(ctx context.Context) error {
	return es.storage.Stop(ctx)
}
