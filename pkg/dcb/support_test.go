package dcb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go-limpet/pkg/dcb"
	"go-limpet/pkg/dcb/memory"
)

// newTestStore builds an engine over a fresh in-memory backend and wires
// its shutdown into the test lifecycle.
func newTestStore(t *testing.T, opts ...memory.Option) *dcb.EventStore {
	t.Helper()
	backend := memory.New(opts...)
	store := dcb.NewEventStore(backend)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Stop(ctx)
	})
	return store
}

// toJSON marshals a value for test payloads, panicking on error.
func toJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal to JSON: %v", err))
	}
	return data
}

// drain collects all remaining events of an iterator and closes it.
func drain(t *testing.T, it dcb.EventIterator) []dcb.Event {
	t.Helper()
	defer it.Close()
	var events []dcb.Event
	for it.Next() {
		events = append(events, it.Event())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	return events
}

// drainErr collects events until the iterator stops and returns its error.
func drainErr(it dcb.EventIterator) ([]dcb.Event, error) {
	defer it.Close()
	var events []dcb.Event
	for it.Next() {
		events = append(events, it.Event())
	}
	return events, it.Err()
}

// appendAll writes the given events unconditionally, one batch.
func appendAll(t *testing.T, store *dcb.EventStore, stream dcb.StreamID, events ...dcb.InputEvent) dcb.AppendResult {
	t.Helper()
	result, err := store.Append(context.Background(), stream, events, dcb.Unconditional())
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return result
}
