package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"go-limpet/pkg/dcb"
)

// appendPayload mirrors the json the event trigger emits. Tx is the xid8
// as text; it must reach subscribers so refs from this path order
// correctly against refs published by a local append, which carry the
// real transaction id.
type appendPayload struct {
	StreamContext string `json:"streamContext"`
	StreamPurpose string `json:"streamPurpose"`
	Position      int64  `json:"eventPosition"`
	ID            string `json:"eventId"`
	Type          string `json:"eventType"`
	Tx            string `json:"eventTx"`
}

// bookmarkPayload mirrors the json the bookmark trigger emits.
type bookmarkPayload struct {
	Reader   string `json:"reader"`
	Position int64  `json:"eventPosition"`
	ID       string `json:"eventId"`
}

// StartListening connects a dedicated session to the database's NOTIFY
// channels and feeds incoming notifications into the store's fabric, so
// subscribers observe appends and bookmarks committed by other
// processes too. The loop reconnects with backoff until Stop or ctx
// cancellation; call it at most once.
func (s *Store) StartListening(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &dcb.StoreClosedError{
			EventStoreError: dcb.EventStoreError{
				Op:  "startListening",
				Err: fmt.Errorf("store is stopped"),
			},
		}
	}
	if s.listenCancel != nil {
		s.mu.Unlock()
		return &dcb.EventStoreError{
			Op:  "startListening",
			Err: fmt.Errorf("listener already running"),
		}
	}
	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	s.listenCancel = cancel
	s.listenDone = done
	s.mu.Unlock()

	g, groupCtx := errgroup.WithContext(listenCtx)
	g.Go(func() error {
		return retry.Do(
			func() error { return s.listenLoop(groupCtx) },
			retry.Context(groupCtx),
			retry.Attempts(0),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(_ uint, err error) {
				s.log.Error(err, "notification listener disconnected, reconnecting")
			}),
		)
	})
	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error(err, "notification listener stopped")
		}
		done <- err
		close(done)
	}()
	return nil
}

// listenLoop holds one session for the lifetime of a connection: LISTEN
// on both channels, then block on notifications until the connection or
// the context goes away.
func (s *Store) listenLoop(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{s.table("event_appended"), s.table("bookmark_placed")} {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("lost notification connection: %w", err)
		}
		s.dispatch(notification)
	}
}

func (s *Store) dispatch(n *pgconn.Notification) {
	switch n.Channel {
	case s.table("event_appended"):
		var payload appendPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			s.log.Error(err, "malformed append notification", "payload", n.Payload)
			return
		}
		txid, err := strconv.ParseUint(payload.Tx, 10, 64)
		if err != nil {
			s.log.Error(err, "malformed transaction id in append notification", "payload", n.Payload)
			return
		}
		s.notifier.PublishAppend(dcb.AppendNotification{
			Stream:  dcb.NewStreamID(payload.StreamContext, payload.StreamPurpose),
			LastRef: dcb.NewEventReference(payload.ID, payload.Position, txid),
		})
	case s.table("bookmark_placed"):
		var payload bookmarkPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			s.log.Error(err, "malformed bookmark notification", "payload", n.Payload)
			return
		}
		s.notifier.PublishBookmark(dcb.BookmarkNotification{
			Reader: payload.Reader,
			Ref:    dcb.NewEventReference(payload.ID, payload.Position, 0),
		})
	}
}
