package dcb

import "fmt"

// defaultStreamBuffer is the channel buffer used by channel-based reads.
const defaultStreamBuffer = 100

func errLimitOverrun(max int) error {
	return fmt.Errorf("result set exceeds the absolute limit %d", max)
}

// SliceIterator adapts an in-memory slice of events to the EventIterator
// interface. Used by backends that materialize small result sets and by
// tests.
type SliceIterator struct {
	events []Event
	index  int
	err    error
}

// NewSliceIterator creates an iterator over the given events.
func NewSliceIterator(events []Event) *SliceIterator {
	return &SliceIterator{events: events, index: -1}
}

func (it *SliceIterator) Next() bool {
	if it.index+1 >= len(it.events) {
		return false
	}
	it.index++
	return true
}

func (it *SliceIterator) Event() Event {
	if it.index < 0 || it.index >= len(it.events) {
		return Event{}
	}
	return it.events[it.index]
}

func (it *SliceIterator) Err() error { return it.err }

func (it *SliceIterator) Close() error { return nil }

// guardIterator enforces the storage-wide absolute limit on reads that
// did not request a soft limit: passing max events fails the iteration
// with LimitExceededError instead of silently truncating.
type guardIterator struct {
	inner EventIterator
	max   int
	count int
	err   error
}

func (it *guardIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.inner.Next() {
		return false
	}
	it.count++
	if it.count > it.max {
		it.err = &LimitExceededError{
			EventStoreError: EventStoreError{
				Op:  "read",
				Err: errLimitOverrun(it.max),
			},
			Max: it.max,
		}
		return false
	}
	return true
}

func (it *guardIterator) Event() Event { return it.inner.Event() }

func (it *guardIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.inner.Err()
}

func (it *guardIterator) Close() error { return it.inner.Close() }

// upcastIterator applies the upcaster registry to every event and
// re-checks the original query against the upcasted result, so queries on
// current type names stay robust under upcasting.
type upcastIterator struct {
	inner     EventIterator
	upcasters *UpcasterRegistry
	query     Query
	event     Event
	err       error
}

func (it *upcastIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.inner.Next() {
		event, err := it.upcasters.Upcast(it.inner.Event())
		if err != nil {
			it.err = err
			return false
		}
		if !it.query.Matches(event) {
			continue
		}
		it.event = event
		return true
	}
	return false
}

func (it *upcastIterator) Event() Event { return it.event }

func (it *upcastIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.inner.Err()
}

func (it *upcastIterator) Close() error { return it.inner.Close() }
