package tracker_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	"basegraph.app/issuesync/internal/backoff"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/tracker"
)

var _ = Describe("Classify", func() {
	It("reads the tag of a classified error through wrapping", func() {
		err := tracker.PermanentError("422 title is missing", errors.New("boom"))
		kind, reason := tracker.Classify(errors.Join(errors.New("outer"), err))
		Expect(kind).To(Equal(backoff.Permanent))
		Expect(reason).To(Equal("422 title is missing"))
	})

	It("treats unclassified errors as transient", func() {
		kind, reason := tracker.Classify(errors.New("connection reset by peer"))
		Expect(kind).To(Equal(backoff.Transient))
		Expect(reason).To(Equal("connection reset by peer"))
	})

	It("treats invalid requests as permanent", func() {
		_, err := tracker.BuildRequest(&model.IssueOperation{ActivityID: "a1", Kind: model.ActivityKind("issue_delete")})
		kind, _ := tracker.Classify(err)
		Expect(kind).To(Equal(backoff.Permanent))
	})
})

var _ = Describe("BuildRequest", func() {
	DescribeTable("accepts every known kind regardless of payload",
		func(kind model.ActivityKind, payload model.Payload, valid bool) {
			req, err := tracker.BuildRequest(&model.IssueOperation{ActivityID: "a1", Kind: kind, Payload: payload, Attempt: 2})
			if !valid {
				Expect(err).To(MatchError(tracker.ErrInvalidRequest))
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Attempt).To(Equal(3))
			Expect(req.ActivityID).To(Equal("a1"))
		},
		Entry("create with title", model.ActivityKindIssueCreate, model.Payload{"title": "Build failed"}, true),
		Entry("create without payload", model.ActivityKindIssueCreate, nil, true),
		Entry("comment with key and body", model.ActivityKindIssueComment, model.Payload{"issue_key": "42#7", "body": "done"}, true),
		Entry("comment without body", model.ActivityKindIssueComment, model.Payload{"issue_key": "42#7"}, true),
		Entry("status query with key", model.ActivityKindIssueStatusQuery, model.Payload{"issue_key": "42#7"}, true),
		Entry("status query without key", model.ActivityKindIssueStatusQuery, nil, true),
		Entry("unknown kind", model.ActivityKind("issue_delete"), model.Payload{"issue_key": "42#7"}, false),
	)
})

var _ = Describe("ParseIssueKey", func() {
	It("parses numeric projects as ids", func() {
		project, iid, err := tracker.ParseIssueKey("42#7")
		Expect(err).NotTo(HaveOccurred())
		Expect(project).To(Equal(int64(42)))
		Expect(iid).To(Equal(int64(7)))
	})

	It("keeps path projects as strings", func() {
		project, iid, err := tracker.ParseIssueKey("group/sub#12")
		Expect(err).NotTo(HaveOccurred())
		Expect(project).To(Equal("group/sub"))
		Expect(iid).To(Equal(int64(12)))
	})

	DescribeTable("rejects malformed keys",
		func(key string) {
			_, _, err := tracker.ParseIssueKey(key)
			Expect(err).To(MatchError(tracker.ErrInvalidRequest))
		},
		Entry("no separator", "42"),
		Entry("no project", "#7"),
		Entry("no iid", "42#"),
		Entry("non-numeric iid", "42#abc"),
		Entry("zero iid", "42#0"),
	)
})

type countingClient struct {
	creates int
	reads   int
}

func (c *countingClient) CreateOrUpdate(context.Context, tracker.Request) (string, error) {
	c.creates++
	return "ok", nil
}

func (c *countingClient) ReadState(context.Context, string) (model.StateSnapshot, error) {
	c.reads++
	return model.StateSnapshot{}, nil
}

var _ = Describe("RateLimited", func() {
	It("passes calls through when a token is available", func() {
		next := &countingClient{}
		client := tracker.RateLimited(next, rate.NewLimiter(rate.Inf, 1))
		_, err := client.CreateOrUpdate(context.Background(), tracker.Request{})
		Expect(err).NotTo(HaveOccurred())
		_, err = client.ReadState(context.Background(), "42#1")
		Expect(err).NotTo(HaveOccurred())
		Expect(next.creates).To(Equal(1))
		Expect(next.reads).To(Equal(1))
	})

	It("gives up waiting when the context is cancelled", func() {
		next := &countingClient{}
		limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
		Expect(limiter.Allow()).To(BeTrue())
		client := tracker.RateLimited(next, limiter)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := client.CreateOrUpdate(ctx, tracker.Request{})
		Expect(err).To(HaveOccurred())
		Expect(next.creates).To(BeZero())
	})

	It("returns the client unchanged without a limiter", func() {
		next := &countingClient{}
		Expect(tracker.RateLimited(next, nil)).To(BeIdenticalTo(next))
	})
})
