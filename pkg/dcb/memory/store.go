// Package memory provides the in-memory reference backend: a single
// ordered sequence guarded by one mutex, with inline condition checks and
// notifications delivered on the shared fabric's background worker.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"go-limpet/pkg/dcb"
)

// Store implements dcb.Storage on an in-memory log.
type Store struct {
	mu        sync.RWMutex
	events    []dcb.Event
	byID      map[string]int
	byIdemKey map[idemKey]int
	bookmarks map[string]dcb.Bookmark
	nextTx    uint64
	closed    bool

	notifier *dcb.Notifier
	idgen    dcb.IDGenerator
	maxLimit int
	log      logr.Logger
}

type idemKey struct {
	stream dcb.StreamID
	key    string
}

// Option configures a Store.
type Option func(*Store)

// WithMaxQueryLimit sets the storage-wide absolute result limit.
func WithMaxQueryLimit(limit int) Option {
	return func(s *Store) { s.maxLimit = limit }
}

// WithIDGenerator overrides the default UUIDv7 id generator.
func WithIDGenerator(g dcb.IDGenerator) Option {
	return func(s *Store) { s.idgen = g }
}

// WithLogger sets the ambient logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates an empty in-memory store and starts its notification
// dispatcher.
func New(opts ...Option) *Store {
	s := &Store{
		byID:      make(map[string]int),
		byIdemKey: make(map[idemKey]int),
		bookmarks: make(map[string]dcb.Bookmark),
		idgen:     dcb.UUIDGenerator(),
		log:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.notifier = dcb.NewNotifier(s.log)
	return s
}

// MaxQueryLimit implements dcb.Storage.
func (s *Store) MaxQueryLimit() int { return s.maxLimit }

// Append implements dcb.Storage. The condition check and the write are
// one critical section, so no matching event can slip in between.
func (s *Store) Append(ctx context.Context, stream dcb.StreamID, events []dcb.InputEvent, cond dcb.AppendCondition) (dcb.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return dcb.AppendResult{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dcb.AppendResult{}, storeClosed("append")
	}

	// Idempotency guard: a single-event batch whose key was already
	// written returns the original event untouched.
	if len(events) == 1 && events[0].IdempotencyKey != "" {
		if index, ok := s.byIdemKey[idemKey{stream: stream, key: events[0].IdempotencyKey}]; ok {
			existing := s.events[index]
			s.mu.Unlock()
			return dcb.AppendResult{Events: []dcb.Event{existing}, Deduplicated: true}, nil
		}
	}

	if !cond.IsUnconditional() {
		if conflict := s.findConflict(cond); conflict != nil {
			s.mu.Unlock()
			return dcb.AppendResult{}, &dcb.ConcurrencyError{
				EventStoreError: dcb.EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("event %s at position %d matches the append condition", conflict.Ref.ID, conflict.Ref.Position),
				},
				Query: cond.FailIfEventsMatch,
				After: cond.After,
			}
		}
	}

	s.nextTx++
	tx := s.nextTx
	now := time.Now()
	stored := make([]dcb.Event, len(events))
	for i, input := range events {
		position := int64(len(s.events) + 1)
		event := dcb.Event{
			Stream:     stream,
			Type:       input.Type,
			StoredType: input.Type,
			Ref:        dcb.NewEventReference(s.idgen(input), position, tx),
			Data:       input.Data,
			Tags:       dcb.NewTagSet(input.Tags...),
			OccurredAt: now,
		}
		s.events = append(s.events, event)
		s.byID[event.Ref.ID] = len(s.events) - 1
		if input.IdempotencyKey != "" {
			s.byIdemKey[idemKey{stream: stream, key: input.IdempotencyKey}] = len(s.events) - 1
		}
		stored[i] = event
	}
	s.mu.Unlock()

	result := dcb.AppendResult{Events: stored}
	s.notifier.PublishAppend(dcb.AppendNotification{Stream: stream, LastRef: result.LastRef()})
	return result, nil
}

// findConflict scans for an event violating the condition. Caller holds
// the lock.
func (s *Store) findConflict(cond dcb.AppendCondition) *dcb.Event {
	for i := range s.events {
		event := &s.events[i]
		if cond.After != nil && !event.Ref.HappenedAfter(*cond.After) {
			continue
		}
		if cond.FailIfEventsMatch.Matches(*event) {
			return event
		}
	}
	return nil
}

// Query implements dcb.Storage. The result is a snapshot taken at call
// time; events committed during iteration are not reflected.
func (s *Store) Query(ctx context.Context, q dcb.Query, opts dcb.ReadOptions) (dcb.EventIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storeClosed("query")
	}

	limit := 0
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	var matched []dcb.Event
	appendMatch := func(event dcb.Event) bool {
		if opts.Stream != nil && !opts.Stream.CanRead(event.Stream) {
			return true
		}
		if !q.Matches(event) {
			return true
		}
		matched = append(matched, event)
		return limit == 0 || len(matched) < limit
	}

	if opts.Direction == dcb.Backward {
		for i := len(s.events) - 1; i >= 0; i-- {
			event := s.events[i]
			if opts.After != nil && event.Ref.Position >= opts.After.Position {
				continue
			}
			if !appendMatch(event) {
				break
			}
		}
	} else {
		for _, event := range s.events {
			if opts.After != nil && event.Ref.Position <= opts.After.Position {
				continue
			}
			if !appendMatch(event) {
				break
			}
		}
	}
	return dcb.NewSliceIterator(matched), nil
}

// GetEventByID implements dcb.Storage.
func (s *Store) GetEventByID(ctx context.Context, id string) (*dcb.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storeClosed("getEventById")
	}
	index, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	event := s.events[index]
	return &event, nil
}

// PutBookmark implements dcb.Storage with upsert semantics.
func (s *Store) PutBookmark(ctx context.Context, reader string, ref dcb.EventReference, tags dcb.Tags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storeClosed("putBookmark")
	}
	s.bookmarks[reader] = dcb.Bookmark{
		Reader:    reader,
		Ref:       ref,
		Tags:      tags,
		UpdatedAt: time.Now(),
	}
	s.mu.Unlock()

	s.notifier.PublishBookmark(dcb.BookmarkNotification{Reader: reader, Ref: ref})
	return nil
}

// GetBookmark implements dcb.Storage.
func (s *Store) GetBookmark(ctx context.Context, reader string) (*dcb.EventReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storeClosed("getBookmark")
	}
	bookmark, ok := s.bookmarks[reader]
	if !ok {
		return nil, nil
	}
	ref := bookmark.Ref
	return &ref, nil
}

// RemoveBookmark implements dcb.Storage.
func (s *Store) RemoveBookmark(ctx context.Context, reader string) (*dcb.EventReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storeClosed("removeBookmark")
	}
	bookmark, ok := s.bookmarks[reader]
	if !ok {
		return nil, nil
	}
	delete(s.bookmarks, reader)
	ref := bookmark.Ref
	return &ref, nil
}

// SubscribeAppends implements dcb.Storage.
func (s *Store) SubscribeAppends(l dcb.AppendListener, id dcb.StreamID) func() {
	return s.notifier.SubscribeAppends(l, id)
}

// SubscribeBookmarks implements dcb.Storage.
func (s *Store) SubscribeBookmarks(l dcb.BookmarkListener) func() {
	return s.notifier.SubscribeBookmarks(l)
}

// Stop implements dcb.Storage: refuses further operations and drains the
// notification queue best-effort.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.notifier.Stop(ctx)
}

// Len returns the number of stored events. Intended for tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func storeClosed(op string) error {
	return &dcb.StoreClosedError{
		EventStoreError: dcb.EventStoreError{
			Op:  op,
			Err: fmt.Errorf("store is stopped"),
		},
	}
}
