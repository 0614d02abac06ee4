package dcb

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// EventHandler consumes one projected event.
type EventHandler func(e Event) error

// BatchHooks lets a handler observe the batch lifecycle. BeforeBatch runs
// before the first matching event of each underlying query iteration and
// is skipped when the batch yields none. AfterBatch runs only on
// successful completion, with the last handled reference or nil.
// CancelBatch runs when the handler, a hook or the iteration fails.
type BatchHooks interface {
	BeforeBatch() error
	AfterBatch(last *EventReference) error
	CancelBatch()
}

// Projection binds a query to an event handler, optionally with batch
// lifecycle hooks.
type Projection struct {
	Query   Query
	Handler EventHandler
	Hooks   BatchHooks
}

// ReadFrequency selects when a bookmarked projector re-reads its bookmark.
type ReadFrequency int

const (
	// BeforeEach reads the bookmark at the start of every run (default).
	BeforeEach ReadFrequency = iota
	// Manual never reads automatically; use Projector.ReadBookmark.
	Manual
	// AtCreation reads once when the projector is constructed.
	AtCreation
	// BeforeFirst reads at the start of the first run only.
	BeforeFirst
)

func (f ReadFrequency) String() string {
	switch f {
	case Manual:
		return "MANUAL"
	case AtCreation:
		return "AT_CREATION"
	case BeforeFirst:
		return "BEFORE_FIRST"
	default:
		return "BEFORE_EACH"
	}
}

// BookmarkOptions enables bookmark persistence for a projector.
type BookmarkOptions struct {
	Reader        string `validate:"required"`
	Tags          Tags
	ReadFrequency ReadFrequency `validate:"gte=0,lte=3"`
}

// ProjectorOptions configures a projector run loop.
type ProjectorOptions struct {
	// StartAfter positions the cursor before the first run.
	StartAfter *EventReference
	// BatchSize caps events per underlying query, default 500.
	BatchSize int `validate:"gte=0"`
	// RunUntil bounds every run to events at or before the reference.
	RunUntil *EventReference
	// Bookmark enables bookmark persistence.
	Bookmark *BookmarkOptions
}

const defaultBatchSize = 500

// Metrics reports what a projector run did.
type Metrics struct {
	EventsStreamed int64
	EventsHandled  int64
	QueriesDone    int64
	LastRef        *EventReference
}

func (m *Metrics) add(run Metrics) {
	m.EventsStreamed += run.EventsStreamed
	m.EventsHandled += run.EventsHandled
	m.QueriesDone += run.QueriesDone
	if run.LastRef != nil {
		m.LastRef = run.LastRef
	}
}

// ProjectionSource is the read-and-bookmark surface a projector drives
// over: both EventStore and EventStream satisfy it.
type ProjectionSource interface {
	Read(ctx context.Context, q Query, opts *ReadOptions) (EventIterator, error)
	PutBookmark(ctx context.Context, reader string, ref EventReference, tags Tags) error
	GetBookmark(ctx context.Context, reader string) (*EventReference, error)
}

// Projector drives a projection: resumable, bookmark-tracked batched
// replay of query results. Not safe for concurrent runs.
type Projector struct {
	source     ProjectionSource
	projection Projection
	opts       ProjectorOptions
	batchSize  int

	cursor  *EventReference
	ranOnce bool

	// totalMu guards total: runs write it, metric scrapes read it from
	// other goroutines.
	totalMu sync.Mutex
	total   Metrics
}

// NewProjector validates the configuration and builds a projector. With
// ReadFrequency AtCreation the bookmark is read immediately.
func NewProjector(ctx context.Context, source ProjectionSource, projection Projection, opts ProjectorOptions) (*Projector, error) {
	if projection.Handler == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "newProjector",
				Err: fmt.Errorf("projection handler must not be nil"),
			},
			Field: "handler",
			Value: "nil",
		}
	}
	if err := validate.Struct(opts); err != nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "newProjector",
				Err: fmt.Errorf("invalid projector options: %w", err),
			},
			Field: "options",
			Value: "invalid",
		}
	}
	if opts.Bookmark != nil {
		if err := validate.Struct(*opts.Bookmark); err != nil {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "newProjector",
					Err: fmt.Errorf("invalid bookmark options: %w", err),
				},
				Field: "bookmark",
				Value: "invalid",
			}
		}
	}
	p := &Projector{
		source:     source,
		projection: projection,
		opts:       opts,
		batchSize:  opts.BatchSize,
		cursor:     opts.StartAfter,
	}
	if p.batchSize == 0 {
		p.batchSize = defaultBatchSize
	}
	if opts.Bookmark != nil && opts.Bookmark.ReadFrequency == AtCreation {
		if err := p.ReadBookmark(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ReadBookmark re-reads the configured bookmark into the cursor.
func (p *Projector) ReadBookmark(ctx context.Context) error {
	if p.opts.Bookmark == nil {
		return nil
	}
	ref, err := p.source.GetBookmark(ctx, p.opts.Bookmark.Reader)
	if err != nil {
		return err
	}
	if ref != nil {
		p.cursor = ref
	}
	return nil
}

// Cursor returns the projector's current position, nil before any event.
func (p *Projector) Cursor() *EventReference { return p.cursor }

// Metrics returns the totals accumulated across runs. Safe to call while
// a run is in progress.
func (p *Projector) Metrics() Metrics {
	p.totalMu.Lock()
	defer p.totalMu.Unlock()
	return p.total
}

// Run replays all matching events from the cursor to the end of the log
// (or RunUntil) and returns the metrics of this run. Totals accumulate.
func (p *Projector) Run(ctx context.Context) (Metrics, error) {
	return p.run(ctx, false)
}

// RunSingleBatch replays at most one batch and returns.
func (p *Projector) RunSingleBatch(ctx context.Context) (Metrics, error) {
	return p.run(ctx, true)
}

func (p *Projector) run(ctx context.Context, singleBatch bool) (Metrics, error) {
	if bm := p.opts.Bookmark; bm != nil {
		readNow := bm.ReadFrequency == BeforeEach || (bm.ReadFrequency == BeforeFirst && !p.ranOnce)
		if readNow {
			if err := p.ReadBookmark(ctx); err != nil {
				return Metrics{}, err
			}
		}
	}
	p.ranOnce = true
	entryCursor := p.cursor

	query := p.projection.Query
	if p.opts.RunUntil != nil {
		query = query.UntilIfEarlier(*p.opts.RunUntil)
	}

	var run Metrics
	for {
		streamed, err := p.runBatch(ctx, query, &run)
		if err != nil {
			return run, err
		}
		if singleBatch || streamed < p.batchSize {
			break
		}
	}

	if p.opts.Bookmark != nil && p.cursor != nil && p.cursor != entryCursor {
		if err := p.source.PutBookmark(ctx, p.opts.Bookmark.Reader, *p.cursor, p.opts.Bookmark.Tags); err != nil {
			return run, err
		}
	}
	run.LastRef = p.cursor
	p.totalMu.Lock()
	p.total.add(run)
	p.totalMu.Unlock()
	return run, nil
}

// runBatch performs one underlying query iteration. The batch state never
// leaks across calls: hooks fire and reset within this frame.
func (p *Projector) runBatch(ctx context.Context, query Query, run *Metrics) (int, error) {
	limit := p.batchSize
	it, err := p.source.Read(ctx, query, &ReadOptions{After: p.cursor, Limit: &limit})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	run.QueriesDone++

	streamed := 0
	started := false
	var lastHandled *EventReference

	cancel := func(cause error, ref *EventReference) (int, error) {
		if p.projection.Hooks != nil {
			p.projection.Hooks.CancelBatch()
		}
		return streamed, &ProjectorError{
			EventStoreError: EventStoreError{
				Op:  "projector.run",
				Err: cause,
			},
			Ref: ref,
		}
	}

	for it.Next() {
		event := it.Event()
		streamed++
		run.EventsStreamed++

		// Redundant against the storage filter, but robust to upcasting
		// differences between the backend and this facade.
		if query.Matches(event) {
			if !started && p.projection.Hooks != nil {
				if err := p.projection.Hooks.BeforeBatch(); err != nil {
					return cancel(err, nil)
				}
			}
			started = true
			if err := p.projection.Handler(event); err != nil {
				ref := event.Ref
				return cancel(err, &ref)
			}
			run.EventsHandled++
			ref := event.Ref
			lastHandled = &ref
		}
		ref := event.Ref
		p.cursor = &ref
	}
	if err := it.Err(); err != nil {
		return cancel(err, nil)
	}

	if streamed > 0 && p.projection.Hooks != nil {
		if err := p.projection.Hooks.AfterBatch(lastHandled); err != nil {
			return streamed, &ProjectorError{
				EventStoreError: EventStoreError{
					Op:  "projector.run",
					Err: err,
				},
				Ref: lastHandled,
			}
		}
	}
	return streamed, nil
}
