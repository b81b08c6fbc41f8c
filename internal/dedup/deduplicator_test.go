package dedup_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/issuesync/internal/dedup"
	"basegraph.app/issuesync/internal/model"
)

var _ = Describe("Deduplicator", func() {
	var d *dedup.Deduplicator

	BeforeEach(func() {
		d = dedup.NewDeduplicator()
	})

	It("reports an unknown id as new and records it pending", func() {
		result, rec := d.Check("a1")
		Expect(result).To(Equal(dedup.New))
		Expect(rec.Status).To(Equal(model.DedupStatusPending))

		result, _ = d.Check("a1")
		Expect(result).To(Equal(dedup.AlreadyPending))
	})

	It("short-circuits committed ids with the recorded remote id", func() {
		d.Check("a1")
		d.MarkCommitted("a1", "ISS-9")

		result, rec := d.Check("a1")
		Expect(result).To(Equal(dedup.AlreadyCommitted))
		Expect(rec.RemoteID).To(Equal("ISS-9"))
	})

	It("reports failed ids with their reason", func() {
		d.Check("a1")
		d.MarkFailed("a1", "validation error")

		result, rec := d.Check("a1")
		Expect(result).To(Equal(dedup.AlreadyFailed))
		Expect(rec.Reason).To(Equal("validation error"))
	})

	It("never downgrades a committed record", func() {
		d.Check("a1")
		d.MarkCommitted("a1", "ISS-1")
		d.MarkFailed("a1", "late failure")
		d.MarkPending("a1")
		d.MarkCommitted("a1", "ISS-2")

		rec, ok := d.Peek("a1")
		Expect(ok).To(BeTrue())
		Expect(rec.Status).To(Equal(model.DedupStatusCommitted))
		Expect(rec.RemoteID).To(Equal("ISS-1"))
	})

	It("lets exactly one concurrent caller observe new", func() {
		var news atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for range 64 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if result, _ := d.Check("contended"); result == dedup.New {
					news.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		Expect(news.Load()).To(Equal(int32(1)))
	})

	It("releases pending ids but keeps terminal ones", func() {
		d.Check("pending")
		d.Check("done")
		d.MarkCommitted("done", "ISS-3")

		d.Release("pending")
		d.Release("done")

		_, ok := d.Peek("pending")
		Expect(ok).To(BeFalse())
		_, ok = d.Peek("done")
		Expect(ok).To(BeTrue())
	})

	Describe("retention", func() {
		It("prunes terminal records older than the window only", func() {
			now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
			d.WithClock(func() time.Time { return now })

			d.Check("old-commit")
			d.MarkCommitted("old-commit", "ISS-1")
			d.Check("old-fail")
			d.MarkFailed("old-fail", "bad request")
			d.Check("old-pending")

			now = now.Add(2 * time.Hour)
			d.Check("fresh")
			d.MarkCommitted("fresh", "ISS-2")

			Expect(d.Prune(time.Hour)).To(Equal(2))
			_, ok := d.Peek("old-pending")
			Expect(ok).To(BeTrue())
			_, ok = d.Peek("fresh")
			Expect(ok).To(BeTrue())
			Expect(d.Len()).To(Equal(2))
		})
	})

	Describe("persistence", func() {
		It("round-trips terminal records through a store", func() {
			for i := range 5 {
				id := fmt.Sprintf("a%d", i)
				d.Check(id)
				d.MarkCommitted(id, "ISS-"+id)
			}
			d.Check("in-flight")

			store := dedup.NewMemoryStore()
			Expect(store.Save(context.Background(), d.Terminal())).To(Succeed())

			restored := dedup.NewDeduplicator()
			records, err := store.Load(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(restored.Restore(records)).To(Equal(5))

			result, rec := restored.Check("a3")
			Expect(result).To(Equal(dedup.AlreadyCommitted))
			Expect(rec.RemoteID).To(Equal("ISS-a3"))

			result, _ = restored.Check("in-flight")
			Expect(result).To(Equal(dedup.New))
		})

		It("does not overwrite live records on restore", func() {
			d.Check("a1")
			Expect(d.Restore([]model.DedupRecord{{
				ActivityID: "a1",
				Status:     model.DedupStatusCommitted,
				RemoteID:   "ISS-old",
			}})).To(Equal(0))

			rec, _ := d.Peek("a1")
			Expect(rec.Status).To(Equal(model.DedupStatusPending))
		})
	})
})
