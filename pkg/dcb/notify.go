package dcb

import (
	"context"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Notifier is the eventually-consistent notification fabric shared by the
// storage backends. A single dispatcher goroutine drains pending
// notifications, coalescing to the last reference per stream and per
// reader, and delivers them outside any lock. Listener lists are
// copy-on-write so subscription changes never block delivery.
type Notifier struct {
	log logr.Logger

	mu               sync.Mutex
	appendSubs       []*appendSub
	bookmarkSubs     []*bookmarkSub
	pendingAppends   map[StreamID]AppendNotification
	pendingBookmarks map[string]BookmarkNotification
	stopped          bool

	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
}

type appendSub struct {
	listener AppendListener
	id       StreamID

	// highwater is touched only by the dispatcher goroutine.
	highwater EventReference
	seen      bool
}

type bookmarkSub struct {
	listener BookmarkListener
}

// NewNotifier creates a fabric and starts its dispatcher goroutine.
func NewNotifier(log logr.Logger) *Notifier {
	n := &Notifier{
		log:              log,
		pendingAppends:   make(map[StreamID]AppendNotification),
		pendingBookmarks: make(map[string]BookmarkNotification),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		finished:         make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// SubscribeAppends registers a listener for streams readable through id.
// Listeners registered after an append do not receive its notification.
func (n *Notifier) SubscribeAppends(l AppendListener, id StreamID) func() {
	sub := &appendSub{listener: l, id: id}
	n.mu.Lock()
	subs := make([]*appendSub, len(n.appendSubs), len(n.appendSubs)+1)
	copy(subs, n.appendSubs)
	n.appendSubs = append(subs, sub)
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := make([]*appendSub, 0, len(n.appendSubs))
		for _, s := range n.appendSubs {
			if s != sub {
				subs = append(subs, s)
			}
		}
		n.appendSubs = subs
	}
}

// SubscribeBookmarks registers a bookmark listener.
func (n *Notifier) SubscribeBookmarks(l BookmarkListener) func() {
	sub := &bookmarkSub{listener: l}
	n.mu.Lock()
	subs := make([]*bookmarkSub, len(n.bookmarkSubs), len(n.bookmarkSubs)+1)
	copy(subs, n.bookmarkSubs)
	n.bookmarkSubs = append(subs, sub)
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := make([]*bookmarkSub, 0, len(n.bookmarkSubs))
		for _, s := range n.bookmarkSubs {
			if s != sub {
				subs = append(subs, s)
			}
		}
		n.bookmarkSubs = subs
	}
}

// PublishAppend queues an append notification. Several publishes for the
// same stream within one dispatch window coalesce to the last reference.
func (n *Notifier) PublishAppend(notification AppendNotification) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	if prev, ok := n.pendingAppends[notification.Stream]; !ok || prev.LastRef.HappenedBefore(notification.LastRef) {
		n.pendingAppends[notification.Stream] = notification
	}
	n.mu.Unlock()
	n.signal()
}

// PublishBookmark queues a bookmark notification, coalesced per reader.
func (n *Notifier) PublishBookmark(notification BookmarkNotification) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.pendingBookmarks[notification.Reader] = notification
	n.mu.Unlock()
	n.signal()
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Stop drains pending notifications best-effort and stops the dispatcher.
// Publishes after Stop are dropped.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		<-n.finished
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.done)
	select {
	case <-n.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) dispatch() {
	defer close(n.finished)
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.done:
			n.drain()
			return
		}
	}
}

// drain swaps out the pending maps and delivers outside the lock.
func (n *Notifier) drain() {
	n.mu.Lock()
	appends := n.pendingAppends
	bookmarks := n.pendingBookmarks
	n.pendingAppends = make(map[StreamID]AppendNotification)
	n.pendingBookmarks = make(map[string]BookmarkNotification)
	appendSubs := n.appendSubs
	bookmarkSubs := n.bookmarkSubs
	n.mu.Unlock()

	// Deliver in commit order so no listener sees a later reference
	// before an earlier one.
	ordered := make([]AppendNotification, 0, len(appends))
	for _, notification := range appends {
		ordered = append(ordered, notification)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastRef.HappenedBefore(ordered[j].LastRef)
	})

	for _, notification := range ordered {
		for _, sub := range appendSubs {
			if !sub.id.CanRead(notification.Stream) {
				continue
			}
			if sub.seen && !sub.highwater.HappenedBefore(notification.LastRef) {
				continue
			}
			processed := n.deliverAppend(sub, notification)
			if !sub.seen || sub.highwater.HappenedBefore(processed) {
				sub.highwater = processed
				sub.seen = true
			}
		}
	}

	for _, notification := range bookmarks {
		for _, sub := range bookmarkSubs {
			n.deliverBookmark(sub, notification)
		}
	}
}

func (n *Notifier) deliverAppend(sub *appendSub, notification AppendNotification) (processed EventReference) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Info("append listener panicked", "stream", notification.Stream.String(), "panic", r)
			processed = notification.LastRef
		}
	}()
	return sub.listener.Appended(notification)
}

func (n *Notifier) deliverBookmark(sub *bookmarkSub, notification BookmarkNotification) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Info("bookmark listener panicked", "reader", notification.Reader, "panic", r)
		}
	}()
	sub.listener.BookmarkPlaced(notification)
}
