package dcb

import (
	"context"
	"fmt"
	"sync"
)

// StreamConfig describes a typed view over the store: the stream id
// (possibly with wildcards), the root groups enumerating admissible
// types, and the upcasters for legacy stored types.
type StreamConfig struct {
	ID        StreamID
	Groups    []EventGroup
	Upcasters []Upcaster
}

// EventStream is a typed facade keyed by (context, purpose). Reads are
// scoped to the id (wildcards widen the view) and upcast legacy events;
// writes require a specific id and admit only registered types.
type EventStream struct {
	id        StreamID
	store     *EventStore
	types     *TypeRegistry
	upcasters *UpcasterRegistry

	mu         sync.Mutex
	consistent []ConsistentListener
}

// ConsistentListener is invoked synchronously inside Append with the
// events just written through this facade. An error propagates to the
// appender; the events remain committed.
type ConsistentListener interface {
	Appended(events []Event) error
}

// ConsistentListenerFunc adapts a function to the ConsistentListener interface.
type ConsistentListenerFunc func(events []Event) error

func (f ConsistentListenerFunc) Appended(events []Event) error { return f(events) }

// OpenStream builds a typed facade from the given configuration. With no
// groups the stream is untyped: every event type is admitted and the
// codec gate is skipped.
func (es *EventStore) OpenStream(cfg StreamConfig) (*EventStream, error) {
	var types *TypeRegistry
	if len(cfg.Groups) > 0 {
		reg, err := NewTypeRegistry(cfg.Groups...)
		if err != nil {
			return nil, err
		}
		types = reg
	}
	upcasters, err := NewUpcasterRegistry(types, cfg.Upcasters...)
	if err != nil {
		return nil, err
	}
	return &EventStream{
		id:        cfg.ID,
		store:     es,
		types:     types,
		upcasters: upcasters,
	}, nil
}

// ID returns the facade's stream id.
func (s *EventStream) ID() StreamID { return s.id }

// AdmittedTypes returns the names the facade admits on write, nil for an
// untyped stream.
func (s *EventStream) AdmittedTypes() []string { return s.types.Names() }

// WithPurpose returns a new facade concretized to the given purpose.
// Type registry and upcasters are shared; consistent listeners are not,
// since a stream instance receives events from its own writes only.
func (s *EventStream) WithPurpose(purpose string) *EventStream {
	return &EventStream{
		id:        s.id.WithPurpose(purpose),
		store:     s.store,
		types:     s.types,
		upcasters: s.upcasters,
	}
}

// SubscribeConsistent registers a listener invoked synchronously with
// every batch appended through this facade instance.
func (s *EventStream) SubscribeConsistent(l ConsistentListener) func() {
	s.mu.Lock()
	listeners := make([]ConsistentListener, len(s.consistent), len(s.consistent)+1)
	copy(listeners, s.consistent)
	s.consistent = append(listeners, l)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		listeners := make([]ConsistentListener, 0, len(s.consistent))
		for _, have := range s.consistent {
			if have != l {
				listeners = append(listeners, have)
			}
		}
		s.consistent = listeners
	}
}

// SubscribeAppends registers an eventually-consistent listener receiving
// append notifications from every stream readable through this facade's id.
func (s *EventStream) SubscribeAppends(l AppendListener) func() {
	return s.store.SubscribeAppends(l, s.id)
}

// Append validates admission and the codec round-trip gate, then appends
// the batch under the given condition. Wildcard facades are read-only.
func (s *EventStream) Append(ctx context.Context, events []InputEvent, cond AppendCondition) (AppendResult, error) {
	if s.id.IsWildcard() {
		return AppendResult{}, &NonSpecificStreamError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("stream %s is not specific, use WithPurpose", s.id),
			},
			Stream: s.id,
		}
	}
	for i, event := range events {
		if !s.types.Admits(event.Type) {
			return AppendResult{}, &InadmissibleTypeError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("event at index %d has type %q outside the admitted set", i, event.Type),
				},
				Type:     event.Type,
				Admitted: s.types.Names(),
			}
		}
		if err := s.roundTrip(event); err != nil {
			return AppendResult{}, err
		}
	}
	// The lock query must see legacy stored types the same way reads do.
	cond.FailIfEventsMatch = cond.FailIfEventsMatch.expandTypes(s.upcasters.ExpandTypes)
	result, err := s.store.Append(ctx, s.id, events, cond)
	if err != nil {
		return AppendResult{}, err
	}
	if !result.Deduplicated {
		s.mu.Lock()
		listeners := s.consistent
		s.mu.Unlock()
		for _, l := range listeners {
			if err := l.Appended(result.Events); err != nil {
				// The batch is committed; the listener failure still
				// belongs to the caller.
				return result, err
			}
		}
	}
	return result, nil
}

// roundTrip is the write-side integrity gate: the payload must decode
// into its declared runtime type and encode back.
func (s *EventStream) roundTrip(event InputEvent) error {
	if s.types == nil {
		return nil
	}
	descriptor, ok := s.types.Get(event.Type)
	if !ok || descriptor.New == nil {
		return nil
	}
	value := descriptor.New()
	codec := s.store.Codec()
	if err := codec.Decode(event.Data, value); err != nil {
		return &SerializationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("payload of type %q does not round-trip: %w", event.Type, err),
			},
			Type: event.Type,
		}
	}
	if _, err := codec.Encode(value); err != nil {
		return &SerializationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("payload of type %q does not re-encode: %w", event.Type, err),
			},
			Type: event.Type,
		}
	}
	return nil
}

// Read returns an upcasting iterator over events visible through this
// facade that match q. Type filters on current names transparently match
// stored legacy types whose upcaster targets them.
func (s *EventStream) Read(ctx context.Context, q Query, opts *ReadOptions) (EventIterator, error) {
	options := ReadOptions{}
	if opts != nil {
		options = *opts
	}
	id := s.id
	options.Stream = &id
	expanded := q.expandTypes(s.upcasters.ExpandTypes)
	it, err := s.store.Read(ctx, expanded, &options)
	if err != nil {
		return nil, err
	}
	return &upcastIterator{inner: it, upcasters: s.upcasters, query: q}, nil
}

// ReadRaw reads without upcasting: returned events carry their stored
// type and original payload.
func (s *EventStream) ReadRaw(ctx context.Context, q Query, opts *ReadOptions) (EventIterator, error) {
	options := ReadOptions{}
	if opts != nil {
		options = *opts
	}
	id := s.id
	options.Stream = &id
	return s.store.Read(ctx, q, &options)
}

// ReadChannel streams upcasted matching events over a channel.
func (s *EventStream) ReadChannel(ctx context.Context, q Query, opts *ReadOptions) (<-chan Event, error) {
	it, err := s.Read(ctx, q, opts)
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
	}()
	return out, nil
}

// PutBookmark upserts a bookmark through the underlying store.
func (s *EventStream) PutBookmark(ctx context.Context, reader string, ref EventReference, tags Tags) error {
	return s.store.PutBookmark(ctx, reader, ref, tags)
}

// GetBookmark reads a bookmark through the underlying store.
func (s *EventStream) GetBookmark(ctx context.Context, reader string) (*EventReference, error) {
	return s.store.GetBookmark(ctx, reader)
}
