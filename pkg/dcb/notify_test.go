package dcb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered append notifications and acknowledges each
// one as fully processed.
type collector struct {
	mu   sync.Mutex
	refs []EventReference
}

func (c *collector) Appended(n AppendNotification) EventReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, n.LastRef)
	return n.LastRef
}

func (c *collector) snapshot() []EventReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EventReference(nil), c.refs...)
}

func stopNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(ctx))
}

func TestNotifierDeliversToMatchingSubscribers(t *testing.T) {
	n := NewNotifier(logr.Discard())

	domain := &collector{}
	everything := &collector{}
	n.SubscribeAppends(domain, NewStreamID("app", "domain"))
	n.SubscribeAppends(everything, AnyStream())

	n.PublishAppend(AppendNotification{
		Stream:  NewStreamID("app", "domain"),
		LastRef: NewEventReference("a", 1, 1),
	})
	n.PublishAppend(AppendNotification{
		Stream:  NewStreamID("billing", "domain"),
		LastRef: NewEventReference("b", 2, 2),
	})
	stopNotifier(t, n)

	assert.Equal(t, []EventReference{NewEventReference("a", 1, 1)}, domain.snapshot())
	assert.Len(t, everything.snapshot(), 2)
}

func TestNotifierNeverDeliversBackwards(t *testing.T) {
	n := NewNotifier(logr.Discard())
	c := &collector{}
	n.SubscribeAppends(c, AnyStream())

	stream := NewStreamID("app", "domain")
	for i := int64(1); i <= 50; i++ {
		n.PublishAppend(AppendNotification{Stream: stream, LastRef: NewEventReference("e", i, uint64(i))})
	}
	stopNotifier(t, n)

	refs := c.snapshot()
	require.NotEmpty(t, refs, "at least the final reference must arrive")
	for i := 1; i < len(refs); i++ {
		assert.True(t, refs[i-1].HappenedBefore(refs[i]),
			"delivery went backwards: %v then %v", refs[i-1], refs[i])
	}
	assert.Equal(t, NewEventReference("e", 50, 50), refs[len(refs)-1])
}

func TestNotifierSkipsAlreadyProcessedReferences(t *testing.T) {
	n := NewNotifier(logr.Discard())

	// The listener reports it has already processed up to position 10,
	// whatever it is handed.
	var delivered int
	var mu sync.Mutex
	n.SubscribeAppends(AppendListenerFunc(func(AppendNotification) EventReference {
		mu.Lock()
		delivered++
		mu.Unlock()
		return NewEventReference("done", 10, 10)
	}), AnyStream())

	stream := NewStreamID("app", "domain")
	n.PublishAppend(AppendNotification{Stream: stream, LastRef: NewEventReference("a", 1, 1)})
	// Wait for the first delivery to land so the highwater is set.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, 2*time.Second, 5*time.Millisecond)

	n.PublishAppend(AppendNotification{Stream: stream, LastRef: NewEventReference("b", 5, 5)})
	stopNotifier(t, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered, "a reference below the highwater must be skipped")
}

func TestNotifierBookmarkFanOut(t *testing.T) {
	n := NewNotifier(logr.Discard())

	var mu sync.Mutex
	var got []BookmarkNotification
	n.SubscribeBookmarks(BookmarkListenerFunc(func(bn BookmarkNotification) {
		mu.Lock()
		got = append(got, bn)
		mu.Unlock()
	}))

	n.PublishBookmark(BookmarkNotification{Reader: "counter", Ref: NewEventReference("a", 3, 3)})
	stopNotifier(t, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "counter", got[0].Reader)
}

func TestNotifierUnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier(logr.Discard())
	c := &collector{}
	unsubscribe := n.SubscribeAppends(c, AnyStream())
	unsubscribe()

	n.PublishAppend(AppendNotification{
		Stream:  NewStreamID("app", "domain"),
		LastRef: NewEventReference("a", 1, 1),
	})
	stopNotifier(t, n)
	assert.Empty(t, c.snapshot())
}

func TestNotifierSurvivesPanickingListener(t *testing.T) {
	n := NewNotifier(logr.Discard())
	n.SubscribeAppends(AppendListenerFunc(func(AppendNotification) EventReference {
		panic("boom")
	}), AnyStream())
	healthy := &collector{}
	n.SubscribeAppends(healthy, AnyStream())

	n.PublishAppend(AppendNotification{
		Stream:  NewStreamID("app", "domain"),
		LastRef: NewEventReference("a", 1, 1),
	})
	stopNotifier(t, n)
	assert.Len(t, healthy.snapshot(), 1)
}

func TestNotifierDropsPublishesAfterStop(t *testing.T) {
	n := NewNotifier(logr.Discard())
	c := &collector{}
	n.SubscribeAppends(c, AnyStream())
	stopNotifier(t, n)

	n.PublishAppend(AppendNotification{
		Stream:  NewStreamID("app", "domain"),
		LastRef: NewEventReference("a", 1, 1),
	})
	assert.Empty(t, c.snapshot())
}
