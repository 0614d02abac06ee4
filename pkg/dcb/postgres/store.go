// Package postgres provides the durable backend: a single events table
// with dense positions, serializable conditional appends, GIN-indexed tag
// containment queries and LISTEN/NOTIFY fan-in for cross-process
// notifications.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-limpet/pkg/dcb"
)

// Store implements dcb.Storage on PostgreSQL. The caller owns the pool;
// Stop does not close it.
type Store struct {
	pool    *pgxpool.Pool
	cfg     Config
	idgen   dcb.IDGenerator
	erasure *dcb.ErasureRegistry
	log     logr.Logger

	notifier *dcb.Notifier

	mu           sync.Mutex
	closed       bool
	listenCancel context.CancelFunc
	listenDone   chan error
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the default UUIDv7 id generator.
func WithIDGenerator(g dcb.IDGenerator) Option {
	return func(s *Store) { s.idgen = g }
}

// WithLogger sets the ambient logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithErasure registers erasure descriptors: erasable payload fields are
// kept in a separate column so a redactor can clear them in place, and
// reads fold them back in (or substitute the erased sentinel).
func WithErasure(reg *dcb.ErasureRegistry) Option {
	return func(s *Store) { s.erasure = reg }
}

// NewStore creates a store over an existing pool and verifies the
// connection. The schema must already exist; see CreateSchema.
func NewStore(ctx context.Context, pool *pgxpool.Pool, cfg Config, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{
				Op:  "NewStore",
				Err: fmt.Errorf("pool cannot be nil"),
			},
			Field: "pool",
			Value: "nil",
		}
	}
	cfg.setDefaults()
	if err := cfg.validateConfig(); err != nil {
		return nil, &dcb.EventStoreError{Op: "NewStore", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "NewStore",
				Err: fmt.Errorf("failed to ping database: %w", err),
			},
			Resource: "database",
		}
	}

	s := &Store{
		pool:  pool,
		cfg:   cfg,
		idgen: dcb.UUIDGenerator(),
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.notifier = dcb.NewNotifier(s.log)
	return s, nil
}

func (s *Store) table(name string) string {
	return s.cfg.TablePrefix + name
}

// MaxQueryLimit implements dcb.Storage.
func (s *Store) MaxQueryLimit() int { return s.cfg.MaxQueryLimit }

const eventColumns = "position, transaction_id::text, id, stream_context, stream_purpose, type, timestamp, data, erasable_data, tags"

// Query implements dcb.Storage. Results stream from a server-side
// cursor; the iterator must be closed.
func (s *Store) Query(ctx context.Context, q dcb.Query, opts dcb.ReadOptions) (dcb.EventIterator, error) {
	if err := s.check("query"); err != nil {
		return nil, err
	}
	if q.IsNone() {
		return dcb.NewSliceIterator(nil), nil
	}

	sqlQuery, args := s.buildQuerySQL(q, opts)
	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &dcb.EventStoreError{
			Op:  "query",
			Err: fmt.Errorf("failed to execute query: %w", err),
		}
	}
	return &rowIterator{rows: rows, store: s}, nil
}

// buildQuerySQL renders a query plus read options into SQL. Tag matching
// uses array containment so the GIN index applies.
func (s *Store) buildQuerySQL(q dcb.Query, opts dcb.ReadOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 8)
	next := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	items := q.Items()
	if len(items) > 0 {
		orConditions := make([]string, 0, len(items))
		for _, item := range items {
			andConditions := make([]string, 0, 2)
			if len(item.Types) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("type = ANY(%s::text[])", next(item.Types)))
			}
			if len(item.Tags) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("tags @> %s::text[]", next(dcb.TagsToArray(item.Tags))))
			}
			if len(andConditions) > 0 {
				orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
			}
		}
		if len(orConditions) > 0 {
			conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
		}
	}

	if until := q.Until(); until != nil {
		conditions = append(conditions, fmt.Sprintf("position <= %s", next(until.Position)))
	}
	if opts.Stream != nil {
		if opts.Stream.Context != "" {
			conditions = append(conditions, fmt.Sprintf("stream_context = %s", next(opts.Stream.Context)))
		}
		if opts.Stream.Purpose != "" {
			conditions = append(conditions, fmt.Sprintf("stream_purpose = %s", next(opts.Stream.Purpose)))
		}
	}
	if opts.After != nil {
		if opts.Direction == dcb.Backward {
			conditions = append(conditions, fmt.Sprintf("position < %s", next(opts.After.Position)))
		} else {
			conditions = append(conditions, fmt.Sprintf("position > %s", next(opts.After.Position)))
		}
	}

	sqlQuery := fmt.Sprintf("SELECT %s FROM %s", eventColumns, s.table("events"))
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	if opts.Direction == dcb.Backward {
		sqlQuery += " ORDER BY transaction_id DESC, position DESC"
	} else {
		sqlQuery += " ORDER BY transaction_id ASC, position ASC"
	}
	if opts.Limit != nil && *opts.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %s", next(*opts.Limit))
	}
	return sqlQuery, args
}

// Append implements dcb.Storage. The condition check and the batch
// insert run in one serializable transaction; aborts from concurrent
// serialization conflicts are retried a bounded number of times.
func (s *Store) Append(ctx context.Context, stream dcb.StreamID, events []dcb.InputEvent, cond dcb.AppendCondition) (dcb.AppendResult, error) {
	if err := s.check("append"); err != nil {
		return dcb.AppendResult{}, err
	}
	if len(events) > s.cfg.MaxBatchSize {
		return dcb.AppendResult{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("batch size %d exceeds maximum of %d", len(events), s.cfg.MaxBatchSize),
			},
			Field: "events",
			Value: fmt.Sprintf("count:%d", len(events)),
		}
	}

	var result dcb.AppendResult
	err := retry.Do(
		func() error {
			r, err := s.appendOnce(ctx, stream, events, cond)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.SerializationRetries+1)),
		retry.RetryIf(isSerializationFailure),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// A concurrent writer may have landed the same idempotency key
		// between our check and the insert; surface the original event.
		if isIdempotencyViolation(err) && len(events) == 1 && events[0].IdempotencyKey != "" {
			if existing, lookupErr := s.findByIdempotencyKey(ctx, stream, events[0].IdempotencyKey); lookupErr == nil && existing != nil {
				return dcb.AppendResult{Events: []dcb.Event{*existing}, Deduplicated: true}, nil
			}
		}
		return dcb.AppendResult{}, err
	}

	if !result.Deduplicated {
		s.notifier.PublishAppend(dcb.AppendNotification{Stream: stream, LastRef: result.LastRef()})
	}
	return result, nil
}

func (s *Store) appendOnce(ctx context.Context, stream dcb.StreamID, events []dcb.InputEvent, cond dcb.AppendCondition) (dcb.AppendResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return dcb.AppendResult{}, &dcb.EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to begin transaction: %w", err),
		}
	}
	defer tx.Rollback(ctx)

	// Transaction-scoped advisory lock keyed by the events table. Appends
	// are serialized per store, so MAX(position)+i stays collision-free
	// and concurrent unconditional appends never fight over the position
	// primary key.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.table("events")); err != nil {
		return dcb.AppendResult{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to acquire advisory lock: %w", err),
			},
			Resource: "database",
		}
	}

	if len(events) == 1 && events[0].IdempotencyKey != "" {
		existing, err := s.queryByIdempotencyKey(ctx, tx, stream, events[0].IdempotencyKey)
		if err != nil {
			return dcb.AppendResult{}, err
		}
		if existing != nil {
			return dcb.AppendResult{Events: []dcb.Event{*existing}, Deduplicated: true}, nil
		}
	}

	if !cond.IsUnconditional() && !cond.FailIfEventsMatch.IsNone() {
		if err := s.checkCondition(ctx, tx, cond); err != nil {
			return dcb.AppendResult{}, err
		}
	}

	var base int64
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT COALESCE(MAX(position), 0) FROM %s", s.table("events"))).Scan(&base); err != nil {
		return dcb.AppendResult{}, &dcb.EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to get current position: %w", err),
		}
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (position, id, stream_context, stream_purpose, type, data, erasable_data, tags, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING transaction_id::text, timestamp
	`, s.table("events"))

	stored := make([]dcb.Event, len(events))
	batch := &pgx.Batch{}
	for i, input := range events {
		position := base + int64(i+1)
		id := s.idgen(input)
		tags := dcb.NewTagSet(input.Tags...)

		data, erasableRaw, err := s.splitPayload(input.Type, input.Data)
		if err != nil {
			return dcb.AppendResult{}, err
		}
		var idemKey *string
		if input.IdempotencyKey != "" {
			key := input.IdempotencyKey
			idemKey = &key
		}
		batch.Queue(insertSQL,
			position, id, stream.Context, stream.Purpose, input.Type,
			data, erasableRaw, dcb.TagsToArray(tags), idemKey,
		)

		stored[i] = dcb.Event{
			Stream:     stream,
			Type:       input.Type,
			StoredType: input.Type,
			Ref:        dcb.NewEventReference(id, position, 0),
			Data:       input.Data,
			Tags:       tags,
		}
	}

	results := tx.SendBatch(ctx, batch)
	for i := range events {
		var txText string
		var occurredAt time.Time
		if err := results.QueryRow().Scan(&txText, &occurredAt); err != nil {
			results.Close()
			return dcb.AppendResult{}, wrapAppendError(err)
		}
		txid, err := strconv.ParseUint(txText, 10, 64)
		if err != nil {
			results.Close()
			return dcb.AppendResult{}, &dcb.EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to parse transaction id %q: %w", txText, err),
			}
		}
		stored[i].Ref = dcb.NewEventReference(stored[i].Ref.ID, stored[i].Ref.Position, txid)
		stored[i].OccurredAt = occurredAt
	}
	if err := results.Close(); err != nil {
		return dcb.AppendResult{}, wrapAppendError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return dcb.AppendResult{}, wrapAppendError(err)
	}
	return dcb.AppendResult{Events: stored}, nil
}

// checkCondition fails the append when any event matching the condition
// query exists past the After reference.
func (s *Store) checkCondition(ctx context.Context, tx pgx.Tx, cond dcb.AppendCondition) error {
	sqlQuery, args := s.buildQuerySQL(cond.FailIfEventsMatch, dcb.ReadOptions{})
	if cond.After != nil {
		clause := fmt.Sprintf(" AND (transaction_id, position) > ($%d::xid8, $%d)", len(args)+1, len(args)+2)
		args = append(args, strconv.FormatUint(cond.After.Tx, 10), cond.After.Position)
		if !strings.Contains(sqlQuery, " WHERE ") {
			clause = strings.Replace(clause, " AND ", " WHERE ", 1)
		}
		if idx := strings.Index(sqlQuery, " ORDER BY "); idx >= 0 {
			sqlQuery = sqlQuery[:idx] + clause + sqlQuery[idx:]
		} else {
			sqlQuery += clause
		}
	}

	var exists bool
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (%s)", sqlQuery), args...).Scan(&exists); err != nil {
		return &dcb.EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to check append condition: %w", err),
		}
	}
	if exists {
		return &dcb.ConcurrencyError{
			EventStoreError: dcb.EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("events matching the append condition already exist"),
			},
			Query: cond.FailIfEventsMatch,
			After: cond.After,
		}
	}
	return nil
}

func (s *Store) queryByIdempotencyKey(ctx context.Context, q querier, stream dcb.StreamID, key string) (*dcb.Event, error) {
	sqlQuery := fmt.Sprintf(
		"SELECT %s FROM %s WHERE stream_context = $1 AND stream_purpose = $2 AND idempotency_key = $3",
		eventColumns, s.table("events"),
	)
	rows, err := q.Query(ctx, sqlQuery, stream.Context, stream.Purpose, key)
	if err != nil {
		return nil, &dcb.EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to look up idempotency key: %w", err),
		}
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	event, err := s.scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, stream dcb.StreamID, key string) (*dcb.Event, error) {
	return s.queryByIdempotencyKey(ctx, s.pool, stream, key)
}

// querier is the common surface of pgxpool.Pool and pgx.Tx the store
// reads through.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GetEventByID implements dcb.Storage.
func (s *Store) GetEventByID(ctx context.Context, id string) (*dcb.Event, error) {
	if err := s.check("getEventById"); err != nil {
		return nil, err
	}
	sqlQuery := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", eventColumns, s.table("events"))
	rows, err := s.pool.Query(ctx, sqlQuery, id)
	if err != nil {
		return nil, &dcb.EventStoreError{
			Op:  "getEventById",
			Err: fmt.Errorf("failed to execute query: %w", err),
		}
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	event, err := s.scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// PutBookmark implements dcb.Storage with upsert semantics.
func (s *Store) PutBookmark(ctx context.Context, reader string, ref dcb.EventReference, tags dcb.Tags) error {
	if err := s.check("putBookmark"); err != nil {
		return err
	}
	sqlQuery := fmt.Sprintf(`
		INSERT INTO %s (reader, position, event_id, tags, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (reader) DO UPDATE
		SET position = EXCLUDED.position, event_id = EXCLUDED.event_id,
		    tags = EXCLUDED.tags, updated_at = now()
	`, s.table("bookmarks"))
	if _, err := s.pool.Exec(ctx, sqlQuery, reader, ref.Position, ref.ID, dcb.TagsToArray(tags)); err != nil {
		return &dcb.EventStoreError{
			Op:  "putBookmark",
			Err: fmt.Errorf("failed to upsert bookmark: %w", err),
		}
	}
	s.notifier.PublishBookmark(dcb.BookmarkNotification{Reader: reader, Ref: ref})
	return nil
}

// GetBookmark implements dcb.Storage. The returned reference carries no
// transaction number; ordering against it degrades to position only.
func (s *Store) GetBookmark(ctx context.Context, reader string) (*dcb.EventReference, error) {
	if err := s.check("getBookmark"); err != nil {
		return nil, err
	}
	sqlQuery := fmt.Sprintf("SELECT position, COALESCE(event_id, '') FROM %s WHERE reader = $1", s.table("bookmarks"))
	var position int64
	var id string
	err := s.pool.QueryRow(ctx, sqlQuery, reader).Scan(&position, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &dcb.EventStoreError{
			Op:  "getBookmark",
			Err: fmt.Errorf("failed to read bookmark: %w", err),
		}
	}
	ref := dcb.NewEventReference(id, position, 0)
	return &ref, nil
}

// RemoveBookmark implements dcb.Storage.
func (s *Store) RemoveBookmark(ctx context.Context, reader string) (*dcb.EventReference, error) {
	if err := s.check("removeBookmark"); err != nil {
		return nil, err
	}
	sqlQuery := fmt.Sprintf("DELETE FROM %s WHERE reader = $1 RETURNING position, COALESCE(event_id, '')", s.table("bookmarks"))
	var position int64
	var id string
	err := s.pool.QueryRow(ctx, sqlQuery, reader).Scan(&position, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &dcb.EventStoreError{
			Op:  "removeBookmark",
			Err: fmt.Errorf("failed to remove bookmark: %w", err),
		}
	}
	ref := dcb.NewEventReference(id, position, 0)
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

// Stop implements dcb.Storage: shuts the listener down, drains pending
// notifications and refuses further operations. The pool stays open.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.listenCancel
	done := s.listenDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.notifier.Stop(ctx)
}

// TruncateEvents empties the event and bookmark tables. Intended for
// tests and local tooling.
func (s *Store) TruncateEvents(ctx context.Context) error {
	if err := s.check("truncateEvents"); err != nil {
		return err
	}
	sqlQuery := fmt.Sprintf("TRUNCATE TABLE %s, %s", s.table("events"), s.table("bookmarks"))
	if _, err := s.pool.Exec(ctx, sqlQuery); err != nil {
		return &dcb.EventStoreError{
			Op:  "truncateEvents",
			Err: fmt.Errorf("failed to truncate: %w", err),
		}
	}
	return nil
}

func (s *Store) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &dcb.StoreClosedError{
			EventStoreError: dcb.EventStoreError{
				Op:  op,
				Err: fmt.Errorf("store is stopped"),
			},
		}
	}
	return nil
}

// splitPayload separates the erasable part of a payload for storage in
// its own column. Without a registry the payload is stored whole.
func (s *Store) splitPayload(eventType string, data []byte) ([]byte, []byte, error) {
	if s.erasure == nil {
		return data, nil, nil
	}
	retained, erasable, err := s.erasure.SplitErasable(eventType, data)
	if err != nil {
		return nil, nil, err
	}
	if len(erasable) == 0 {
		return retained, nil, nil
	}
	raw, err := json.Marshal(erasable)
	if err != nil {
		return nil, nil, err
	}
	return retained, raw, nil
}

// mergePayload folds the erasable column back into the payload. Fields
// whose values were redacted come back as the erased sentinel.
func (s *Store) mergePayload(eventType string, data, erasableRaw []byte) ([]byte, error) {
	if s.erasure == nil {
		return data, nil
	}
	var erasable map[string]json.RawMessage
	if len(erasableRaw) > 0 {
		if err := json.Unmarshal(erasableRaw, &erasable); err != nil {
			return nil, err
		}
	}
	return s.erasure.MergeErasable(eventType, data, erasable)
}

func (s *Store) scanEvent(rows pgx.Rows) (dcb.Event, error) {
	var (
		position                     int64
		txText, id                   string
		streamContext, streamPurpose string
		eventType                    string
		occurredAt                   time.Time
		data, erasableRaw            []byte
		tagsArray                    []string
	)
	if err := rows.Scan(&position, &txText, &id, &streamContext, &streamPurpose, &eventType, &occurredAt, &data, &erasableRaw, &tagsArray); err != nil {
		return dcb.Event{}, &dcb.EventStoreError{
			Op:  "query",
			Err: fmt.Errorf("failed to scan row: %w", err),
		}
	}
	txid, err := strconv.ParseUint(txText, 10, 64)
	if err != nil {
		return dcb.Event{}, &dcb.EventStoreError{
			Op:  "query",
			Err: fmt.Errorf("failed to parse transaction id %q: %w", txText, err),
		}
	}
	payload, err := s.mergePayload(eventType, data, erasableRaw)
	if err != nil {
		return dcb.Event{}, err
	}
	return dcb.Event{
		Stream:     dcb.NewStreamID(streamContext, streamPurpose),
		Type:       eventType,
		StoredType: eventType,
		Ref:        dcb.NewEventReference(id, position, txid),
		Data:       payload,
		Tags:       dcb.ParseTagsArray(tagsArray),
		OccurredAt: occurredAt,
	}, nil
}

// rowIterator adapts pgx.Rows to dcb.EventIterator.
type rowIterator struct {
	rows    pgx.Rows
	store   *Store
	current dcb.Event
	err     error
}

func (it *rowIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	event, err := it.store.scanEvent(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.current = event
	return true
}

func (it *rowIterator) Event() dcb.Event { return it.current }

func (it *rowIterator) Err() error { return it.err }

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}

func wrapAppendError(err error) error {
	if isSerializationFailure(err) || isIdempotencyViolation(err) {
		return err
	}
	return &dcb.EventStoreError{
		Op:  "append",
		Err: fmt.Errorf("failed to append events: %w", err),
	}
}

// isSerializationFailure reports whether the error is a serializable
// isolation abort (40001) or deadlock (40P01), both safe to retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func isIdempotencyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "idempotency")
}
