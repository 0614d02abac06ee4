package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-limpet/pkg/dcb"
	"go-limpet/pkg/dcb/postgres"
)

func toJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

var _ = Describe("Postgres store", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		store  *postgres.Store
		stream dcb.StreamID
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
		var err error
		store, err = postgres.NewStore(ctx, pool, postgres.Config{})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.TruncateEvents(ctx)).To(Succeed())
		stream = dcb.NewStreamID("app", "domain")
	})

	AfterEach(func() {
		Expect(store.Stop(ctx)).To(Succeed())
		cancel()
	})

	readAll := func(q dcb.Query, opts dcb.ReadOptions) []dcb.Event {
		it, err := store.Query(ctx, q, opts)
		Expect(err).NotTo(HaveOccurred())
		defer it.Close()
		var events []dcb.Event
		for it.Next() {
			events = append(events, it.Event())
		}
		Expect(it.Err()).NotTo(HaveOccurred())
		return events
	}

	Describe("Append", func() {
		It("assigns dense positions and a shared transaction per batch", func() {
			result, err := store.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "1"), toJSON(map[string]string{"a": "1"})),
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "2"), toJSON(map[string]string{"a": "2"})),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events).To(HaveLen(2))
			Expect(result.Events[0].Ref.Position).To(Equal(int64(1)))
			Expect(result.Events[1].Ref.Position).To(Equal(int64(2)))
			Expect(result.Events[0].Ref.Tx).To(Equal(result.Events[1].Ref.Tx))

			next, err := store.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("MoneyDeposited", dcb.NewTags("account", "1"), toJSON(map[string]int{"amount": 100})),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())
			Expect(next.Events[0].Ref.Position).To(Equal(int64(3)))
			Expect(next.Events[0].Ref.Tx).To(BeNumerically(">", result.Events[0].Ref.Tx))
		})

		It("round-trips payloads, tags and stream identity", func() {
			result, err := store.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "1", "region", "eu"), toJSON(map[string]string{"owner": "ada"})),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())

			events := readAll(dcb.QueryAll(), dcb.ReadOptions{})
			Expect(events).To(HaveLen(1))
			got := events[0]
			Expect(got.Stream).To(Equal(stream))
			Expect(got.Type).To(Equal("AccountOpened"))
			Expect(got.StoredType).To(Equal("AccountOpened"))
			Expect(got.Ref).To(Equal(result.Events[0].Ref))
			Expect(got.Tags.Equal(dcb.NewTags("account", "1", "region", "eu"))).To(BeTrue())
			Expect(got.Data).To(MatchJSON(`{"owner":"ada"}`))
		})

		It("enforces a fail-if-match condition", func() {
			query := dcb.NewQuerySimple(dcb.NewTags("account", "1"), "AccountOpened")
			open := dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "1"), nil)

			_, err := store.Append(ctx, stream, []dcb.InputEvent{open}, dcb.FailIfMatch(query))
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, stream, []dcb.InputEvent{open}, dcb.FailIfMatch(query))
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
			Expect(readAll(dcb.QueryAll(), dcb.ReadOptions{})).To(HaveLen(1))
		})

		It("enforces the after reference of a condition", func() {
			first, err := store.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "1"), nil),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())
			lastRef := first.LastRef()

			accountQuery := dcb.NewQuerySimple(dcb.NewTags("account", "1"))

			_, err = store.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("MoneyDeposited", dcb.NewTags("account", "1"), nil),
			}, dcb.FailIfMatchAfter(accountQuery, lastRef))
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("MoneyWithdrawn", dcb.NewTags("account", "1"), nil),
			}, dcb.FailIfMatchAfter(accountQuery, lastRef))
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})

		It("admits all concurrent unconditional appends with dense positions", func() {
			const writers = 8
			start := make(chan struct{})
			errs := make(chan error, writers)
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					<-start
					_, err := store.Append(ctx, stream, []dcb.InputEvent{
						dcb.NewInputEvent("Tick", dcb.NewTags("writer", fmt.Sprintf("%d", i)), nil),
					}, dcb.Unconditional())
					errs <- err
				}(i)
			}
			close(start)
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			events := readAll(dcb.QueryAll(), dcb.ReadOptions{})
			Expect(events).To(HaveLen(writers))
			for i, e := range events {
				Expect(e.Ref.Position).To(Equal(int64(i + 1)))
			}
		})

		It("admits exactly one of two racing conditional appends", func() {
			query := dcb.NewQuerySimple(dcb.NewTags("slot", "s1"), "SlotClaimed")
			claim := dcb.NewInputEvent("SlotClaimed", dcb.NewTags("slot", "s1"), nil)

			start := make(chan struct{})
			results := make(chan error, 2)
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					<-start
					_, err := store.Append(ctx, stream, []dcb.InputEvent{claim}, dcb.FailIfMatch(query))
					results <- err
				}()
			}
			close(start)
			wg.Wait()

			err1 := <-results
			err2 := <-results
			succeeded := 0
			for _, err := range []error{err1, err2} {
				if err == nil {
					succeeded++
				} else {
					Expect(dcb.IsConcurrencyError(err)).To(BeTrue(), "got %v", err)
				}
			}
			Expect(succeeded).To(Equal(1))
			Expect(readAll(dcb.QueryAll(), dcb.ReadOptions{})).To(HaveLen(1))
		})

		It("deduplicates by idempotency key within a stream", func() {
			keyed := dcb.NewInputEvent("PaymentReceived", dcb.NewTags("payment", "p1"), toJSON(map[string]int{"cents": 995})).
				WithIdempotencyKey("payment-p1")

			first, err := store.Append(ctx, stream, []dcb.InputEvent{keyed}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Deduplicated).To(BeFalse())

			again, err := store.Append(ctx, stream, []dcb.InputEvent{keyed}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Deduplicated).To(BeTrue())
			Expect(again.Events[0].Ref).To(Equal(first.Events[0].Ref))

			elsewhere, err := store.Append(ctx, dcb.NewStreamID("app", "audit"), []dcb.InputEvent{keyed}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())
			Expect(elsewhere.Deduplicated).To(BeFalse())

			Expect(readAll(dcb.QueryAll(), dcb.ReadOptions{})).To(HaveLen(2))
		})
	})

	Describe("Query", func() {
		seed := func() {
			for i, tags := range []dcb.Tags{
				dcb.NewTags("account", "1"),
				dcb.NewTags("account", "2"),
				dcb.NewTags("account", "1"),
				dcb.NewTags("account", "3"),
				dcb.NewTags("account", "1"),
			} {
				eventType := "MoneyDeposited"
				if i == 0 {
					eventType = "AccountOpened"
				}
				_, err := store.Append(ctx, stream, []dcb.InputEvent{
					dcb.NewInputEvent(eventType, tags, nil),
				}, dcb.Unconditional())
				Expect(err).NotTo(HaveOccurred())
			}
		}

		It("filters by tag containment and type", func() {
			seed()
			events := readAll(dcb.NewQuerySimple(dcb.NewTags("account", "1")), dcb.ReadOptions{})
			positions := make([]int64, len(events))
			for i, e := range events {
				positions[i] = e.Ref.Position
			}
			Expect(positions).To(Equal([]int64{1, 3, 5}))

			events = readAll(dcb.NewQuerySimple(dcb.NewTags("account", "1"), "MoneyDeposited"), dcb.ReadOptions{})
			Expect(events).To(HaveLen(2))
		})

		It("pages backward with limits and cursors", func() {
			seed()
			limit := 2
			events := readAll(dcb.NewQuerySimple(dcb.NewTags("account", "1")),
				dcb.ReadOptions{Direction: dcb.Backward, Limit: &limit})
			Expect(events).To(HaveLen(2))
			Expect(events[0].Ref.Position).To(Equal(int64(5)))
			Expect(events[1].Ref.Position).To(Equal(int64(3)))

			before := dcb.NewEventReference("", 3, 0)
			events = readAll(dcb.NewQuerySimple(dcb.NewTags("account", "1")),
				dcb.ReadOptions{Direction: dcb.Backward, After: &before})
			Expect(events).To(HaveLen(1))
			Expect(events[0].Ref.Position).To(Equal(int64(1)))
		})

		It("scopes reads to a stream id", func() {
			seed()
			_, err := store.Append(ctx, dcb.NewStreamID("billing", "domain"), []dcb.InputEvent{
				dcb.NewInputEvent("InvoiceIssued", dcb.NewTags("invoice", "i1"), nil),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())

			scope := dcb.AnyPurpose("app")
			events := readAll(dcb.QueryAll(), dcb.ReadOptions{Stream: &scope})
			Expect(events).To(HaveLen(5))

			all := readAll(dcb.QueryAll(), dcb.ReadOptions{})
			Expect(all).To(HaveLen(6))
		})

		It("returns nothing for the none query", func() {
			seed()
			Expect(readAll(dcb.QueryNone(), dcb.ReadOptions{})).To(BeEmpty())
		})

		It("honors the until bound of a query", func() {
			seed()
			cut := dcb.NewEventReference("", 3, 0)
			events := readAll(dcb.QueryAll().WithUntil(cut), dcb.ReadOptions{})
			Expect(events).To(HaveLen(3))
		})
	})

	Describe("GetEventByID", func() {
		It("finds stored events and reports misses as nil", func() {
			result, err := store.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "1"), toJSON(map[string]string{"a": "1"})),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())

			got, err := store.GetEventByID(ctx, result.Events[0].Ref.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())
			Expect(got.Ref).To(Equal(result.Events[0].Ref))

			missing, err := store.GetEventByID(ctx, "00000000-0000-0000-0000-000000000000")
			Expect(err).NotTo(HaveOccurred())
			Expect(missing).To(BeNil())
		})
	})

	Describe("Bookmarks", func() {
		It("upserts, reads and removes", func() {
			ref := dcb.NewEventReference("e3", 3, 0)
			Expect(store.PutBookmark(ctx, "counter", ref, dcb.NewTags("source", "test"))).To(Succeed())

			got, err := store.GetBookmark(ctx, "counter")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())
			Expect(got.Position).To(Equal(int64(3)))
			Expect(got.ID).To(Equal("e3"))

			moved := dcb.NewEventReference("e5", 5, 0)
			Expect(store.PutBookmark(ctx, "counter", moved, nil)).To(Succeed())
			got, err = store.GetBookmark(ctx, "counter")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Position).To(Equal(int64(5)))

			removed, err := store.RemoveBookmark(ctx, "counter")
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).NotTo(BeNil())
			Expect(removed.Position).To(Equal(int64(5)))

			gone, err := store.GetBookmark(ctx, "counter")
			Expect(err).NotTo(HaveOccurred())
			Expect(gone).To(BeNil())

			none, err := store.RemoveBookmark(ctx, "counter")
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(BeNil())
		})
	})

	Describe("Erasure", func() {
		It("splits erasable fields on write and merges them on read", func() {
			registry, err := dcb.NewErasureRegistry(dcb.ErasureDescriptor{
				Type:   "CustomerRegistered",
				Fields: []dcb.ErasableField{{Path: "name", Category: "pii"}},
			})
			Expect(err).NotTo(HaveOccurred())

			erasing, err := postgres.NewStore(ctx, pool, postgres.Config{}, postgres.WithErasure(registry))
			Expect(err).NotTo(HaveOccurred())
			defer erasing.Stop(ctx)

			_, err = erasing.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("CustomerRegistered", dcb.NewTags("customer", "c1"),
					[]byte(`{"id":"c1","name":"John"}`)),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())

			it, err := erasing.Query(ctx, dcb.QueryAll(), dcb.ReadOptions{})
			Expect(err).NotTo(HaveOccurred())
			defer it.Close()
			Expect(it.Next()).To(BeTrue())
			Expect(it.Event().Data).To(MatchJSON(`{"id":"c1","name":"John"}`))
		})
	})

	Describe("Table prefixes", func() {
		It("isolates prefixed stores from the default tables", func() {
			Expect(postgres.CreateSchema(ctx, pool, "iso1_")).To(Succeed())

			prefixed, err := postgres.NewStore(ctx, pool, postgres.Config{TablePrefix: "iso1_"})
			Expect(err).NotTo(HaveOccurred())
			defer prefixed.Stop(ctx)
			Expect(prefixed.TruncateEvents(ctx)).To(Succeed())

			_, err = prefixed.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "1"), nil),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())

			Expect(readAll(dcb.QueryAll(), dcb.ReadOptions{})).To(BeEmpty())

			it, err := prefixed.Query(ctx, dcb.QueryAll(), dcb.ReadOptions{})
			Expect(err).NotTo(HaveOccurred())
			defer it.Close()
			Expect(it.Next()).To(BeTrue())
			Expect(it.Next()).To(BeFalse())
			Expect(it.Err()).NotTo(HaveOccurred())
		})

		It("rejects malformed prefixes", func() {
			_, err := postgres.Schema("events;drop")
			Expect(err).To(HaveOccurred())

			_, err = postgres.NewStore(ctx, pool, postgres.Config{TablePrefix: "no-trailing-underscore"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Notifications", func() {
		It("relays database notifications to subscribers", func() {
			Expect(store.StartListening(ctx)).To(Succeed())

			received := make(chan dcb.AppendNotification, 8)
			store.SubscribeAppends(dcb.AppendListenerFunc(func(n dcb.AppendNotification) dcb.EventReference {
				received <- n
				return n.LastRef
			}), stream)

			// A second store writing through the same database: only the
			// LISTEN/NOTIFY path can carry its append to our subscriber.
			writer, err := postgres.NewStore(ctx, pool, postgres.Config{})
			Expect(err).NotTo(HaveOccurred())
			defer writer.Stop(ctx)

			result, err := writer.Append(ctx, stream, []dcb.InputEvent{
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account", "1"), nil),
			}, dcb.Unconditional())
			Expect(err).NotTo(HaveOccurred())

			var notification dcb.AppendNotification
			Eventually(received, 10*time.Second).Should(Receive(&notification))
			Expect(notification.LastRef.Position).To(Equal(result.LastRef().Position))
			Expect(notification.LastRef.Tx).To(Equal(result.LastRef().Tx),
				"the relayed reference must carry the writer's transaction id")
		})
	})
})
