package agent_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/issuesync/core/config"
	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/dedup"
	"basegraph.app/issuesync/internal/dispatcher"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/tracker"
)

type fakeTracker struct {
	createFn func(ctx context.Context, req tracker.Request, call int32) (string, error)
	readFn   func(ctx context.Context, key string, call int32) (model.StateSnapshot, error)
	creates  atomic.Int32
	reads    atomic.Int32
}

func (f *fakeTracker) CreateOrUpdate(ctx context.Context, req tracker.Request) (string, error) {
	n := f.creates.Add(1)
	if f.createFn == nil {
		return "ISS-1", nil
	}
	return f.createFn(ctx, req, n)
}

func (f *fakeTracker) ReadState(ctx context.Context, key string) (model.StateSnapshot, error) {
	n := f.reads.Add(1)
	if f.readFn == nil {
		return model.StateSnapshot{IssueKey: key, Status: "opened", Revision: "r1"}, nil
	}
	return f.readFn(ctx, key, n)
}

func testConfig() config.AgentConfig {
	cfg := config.DefaultAgentConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.ShutdownGrace = time.Second
	cfg.DedupPersistInterval = 10 * time.Millisecond
	return cfg
}

func resolved(h *dispatcher.Handle) model.Outcome {
	GinkgoHelper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	Expect(err).NotTo(HaveOccurred())
	return out
}

var _ = Describe("Agent", func() {
	var (
		client *fakeTracker
		cfg    config.AgentConfig
		ctx    context.Context
		a      *agent.Agent
	)

	BeforeEach(func() {
		client = &fakeTracker{}
		cfg = testConfig()
		ctx = context.Background()
	})

	AfterEach(func() {
		if a != nil {
			_ = a.Stop(ctx)
		}
	})

	Describe("lifecycle", func() {
		BeforeEach(func() {
			a = agent.New(client, cfg)
		})

		It("refuses a second Start", func() {
			Expect(a.Start(ctx)).To(Succeed())
			Expect(a.Start(ctx)).To(MatchError(agent.ErrAlreadyStarted))
		})

		It("refuses Stop before Start", func() {
			Expect(a.Stop(ctx)).To(MatchError(agent.ErrNotStarted))
		})

		It("is single-use", func() {
			Expect(a.Start(ctx)).To(Succeed())
			Expect(a.Stop(ctx)).To(Succeed())
			Expect(a.Stop(ctx)).To(Succeed())

			Expect(a.Start(ctx)).To(MatchError(agent.ErrStopped))
			_, err := a.Submit(ctx, model.Activity{ID: "late", Kind: model.ActivityKindIssueCreate})
			Expect(err).To(MatchError(agent.ErrStopped))
			_, err = a.Watch("grp/app#1", nil, nil)
			Expect(err).To(MatchError(agent.ErrStopped))
		})

		It("queues submissions made before Start", func() {
			h, err := a.Submit(ctx, model.Activity{ID: "early", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "t"}})
			Expect(err).NotTo(HaveOccurred())
			Consistently(h.Done(), 20*time.Millisecond).ShouldNot(BeClosed())

			Expect(a.Start(ctx)).To(Succeed())
			Expect(resolved(h).Status).To(Equal(model.OutcomeSuccess))
		})
	})

	Describe("submission", func() {
		It("resolves Success after two transient failures", func() {
			client.createFn = func(_ context.Context, _ tracker.Request, n int32) (string, error) {
				if n < 3 {
					return "", tracker.TransientError("502 bad gateway", nil)
				}
				return "ISS-9", nil
			}
			a = agent.New(client, cfg)
			Expect(a.Start(ctx)).To(Succeed())

			h, err := a.Submit(ctx, model.Activity{ID: "a1", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "Deploy failed"}})
			Expect(err).NotTo(HaveOccurred())

			out := resolved(h)
			Expect(out.Status).To(Equal(model.OutcomeSuccess))
			Expect(out.RemoteID).To(Equal("ISS-9"))
			Expect(client.creates.Load()).To(Equal(int32(3)))

			rec, ok := a.Status("a1")
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(model.DedupStatusCommitted))

			Eventually(func() uint64 { return a.Stats().RetriesScheduled }).Should(Equal(uint64(2)))
			stats := a.Stats()
			Expect(stats.Submitted).To(Equal(uint64(1)))
			Expect(stats.Committed).To(Equal(uint64(1)))
		})

		It("generates an id when the caller leaves it empty", func() {
			a = agent.New(client, cfg, agent.WithIDGenerator(func() string { return "generated-1" }))
			Expect(a.Start(ctx)).To(Succeed())

			h, err := a.Submit(ctx, model.Activity{Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "t"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.ActivityID()).To(Equal("generated-1"))
			Expect(resolved(h).ActivityID).To(Equal("generated-1"))
		})

		It("rejects payload values that are not scalars", func() {
			a = agent.New(client, cfg)
			_, err := a.Submit(ctx, model.Activity{ID: "bad", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"labels": []string{"x"}}})
			Expect(err).To(MatchError(ContainSubstring("unsupported value type")))
		})

		It("counts deduplicated resubmissions", func() {
			a = agent.New(client, cfg)
			Expect(a.Start(ctx)).To(Succeed())

			act := model.Activity{ID: "dup", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "t"}}
			h1, _ := a.Submit(ctx, act)
			resolved(h1)
			h2, _ := a.Submit(ctx, act)
			out := resolved(h2)

			Expect(out.Deduplicated).To(BeTrue())
			Expect(client.creates.Load()).To(Equal(int32(1)))
			Expect(a.Stats().Deduplicated).To(Equal(uint64(1)))
		})

		It("notifies outcome listeners once per activity", func() {
			var mu sync.Mutex
			var seen []string
			a = agent.New(client, cfg, agent.WithOutcomeListener(func(o model.Outcome) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, o.ActivityID+":"+string(o.Status))
			}))
			Expect(a.Start(ctx)).To(Succeed())

			h, _ := a.Submit(ctx, model.Activity{ID: "l1", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "t"}})
			resolved(h)
			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), seen...)
			}).Should(Equal([]string{"l1:success"}))
		})
	})

	Describe("shutdown", func() {
		It("cancels a retry that has not fired yet", func() {
			cfg.BaseBackoff = time.Hour
			cfg.MaxBackoff = time.Hour
			client.createFn = func(context.Context, tracker.Request, int32) (string, error) {
				return "", tracker.TransientError("429 too many requests", nil)
			}
			a = agent.New(client, cfg)
			Expect(a.Start(ctx)).To(Succeed())

			h, _ := a.Submit(ctx, model.Activity{ID: "slow", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "t"}})
			Eventually(func() uint64 { return a.Stats().RetriesScheduled }).Should(Equal(uint64(1)))

			Expect(a.Stop(ctx)).To(Succeed())
			Expect(resolved(h).Status).To(Equal(model.OutcomeCancelled))
			Expect(client.creates.Load()).To(Equal(int32(1)))
			Expect(a.Stats().Cancelled).To(Equal(uint64(1)))

			_, known := a.Status("slow")
			Expect(known).To(BeFalse())
		})
	})

	Describe("durable dedup state", func() {
		It("answers from records loaded at Start and saves new ones on Stop", func() {
			store := dedup.NewMemoryStore(model.DedupRecord{
				ActivityID: "old",
				Status:     model.DedupStatusCommitted,
				RemoteID:   "ISS-OLD",
				UpdatedAt:  time.Now(),
			})
			a = agent.New(client, cfg, agent.WithDedupStore(store))
			Expect(a.Start(ctx)).To(Succeed())

			h, _ := a.Submit(ctx, model.Activity{ID: "old", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "t"}})
			out := resolved(h)
			Expect(out.RemoteID).To(Equal("ISS-OLD"))
			Expect(out.Deduplicated).To(BeTrue())
			Expect(client.creates.Load()).To(BeZero())

			h, _ = a.Submit(ctx, model.Activity{ID: "new", Kind: model.ActivityKindIssueCreate, Payload: model.Payload{"title": "t"}})
			resolved(h)

			Expect(a.Stop(ctx)).To(Succeed())
			records, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			ids := make([]string, 0, len(records))
			for _, r := range records {
				ids = append(ids, r.ActivityID)
			}
			Expect(ids).To(ConsistOf("old", "new"))
		})

		It("persists periodically while running", func() {
			store := dedup.NewMemoryStore()
			a = agent.New(client, cfg, agent.WithDedupStore(store))
			Expect(a.Start(ctx)).To(Succeed())
			Eventually(store.Saves).Should(BeNumerically(">=", 2))
		})
	})

	Describe("watching", func() {
		It("reports remote changes to the watcher", func() {
			client.readFn = func(_ context.Context, key string, n int32) (model.StateSnapshot, error) {
				if n < 3 {
					return model.StateSnapshot{IssueKey: key, Status: "opened", Revision: "r1"}, nil
				}
				return model.StateSnapshot{IssueKey: key, Status: "closed", Revision: "r2"}, nil
			}
			a = agent.New(client, cfg)

			changes := make(chan model.StateSnapshot, 1)
			h, err := a.Watch("grp/app#3", func(_ string, s model.StateSnapshot) {
				select {
				case changes <- s:
				default:
				}
			}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Start(ctx)).To(Succeed())

			var got model.StateSnapshot
			Eventually(changes).Should(Receive(&got))
			Expect(got.Status).To(Equal("closed"))
			Expect(a.Stats().Tracked).To(Equal(1))

			Expect(a.Unwatch(h)).To(BeTrue())
			Expect(a.Stats().Tracked).To(BeZero())
		})
	})
})
