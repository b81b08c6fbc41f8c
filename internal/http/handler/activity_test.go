package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/http/handler"
	"basegraph.app/issuesync/internal/tracker"
)

var _ = Describe("ActivityHandler", func() {
	var (
		router *gin.Engine
		client *mockTracker
		a      *agent.Agent
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &mockTracker{}
		a = agent.New(client, testAgentConfig())
		Expect(a.Start(ctx)).To(Succeed())

		router = gin.New()
		h := handler.NewActivityHandler(a)
		router.POST("/activities", h.Submit)
		router.GET("/activities/:id", h.Get)
	})

	AfterEach(func() {
		_ = a.Stop(ctx)
	})

	post := func(path string, body any) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(raw))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("accepts an activity and returns its id", func() {
		w := post("/activities", map[string]any{
			"id":      "act-1",
			"kind":    "issue_create",
			"payload": map[string]any{"project": "g/p", "title": "Build broke"},
		})

		Expect(w.Code).To(Equal(http.StatusAccepted))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["activity_id"]).To(Equal("act-1"))
		Eventually(client.creates.Load).Should(BeEquivalentTo(1))
	})

	It("returns the outcome when asked to wait", func() {
		w := post("/activities?wait=5s", map[string]any{
			"id":   "act-2",
			"kind": "issue_create",
		})

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			ActivityID string `json:"activity_id"`
			Outcome    struct {
				Status   string `json:"status"`
				RemoteID string `json:"remote_id"`
			} `json:"outcome"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Outcome.Status).To(Equal("success"))
		Expect(resp.Outcome.RemoteID).To(Equal("ISS-1"))
		Expect(client.creates.Load()).To(BeEquivalentTo(1))
	})

	It("leaves payload validation to the tracker client", func() {
		client.createFn = func(_ context.Context, req tracker.Request) (string, error) {
			if req.Payload["title"] == nil {
				return "", tracker.PermanentError("issue_create requires a title", tracker.ErrInvalidRequest)
			}
			return "ISS-1", nil
		}

		w := post("/activities?wait=5s", map[string]any{"id": "act-untitled", "kind": "issue_create"})
		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			Outcome struct {
				Status   string `json:"status"`
				Reason   string `json:"reason"`
				Attempts int    `json:"attempts"`
			} `json:"outcome"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Outcome.Status).To(Equal("failed"))
		Expect(resp.Outcome.Reason).To(ContainSubstring("title"))
		Expect(resp.Outcome.Attempts).To(Equal(1))
		Expect(client.creates.Load()).To(BeEquivalentTo(1))
	})

	It("answers 202 when the wait elapses before the activity resolves", func() {
		release := make(chan struct{})
		client.createFn = func(ctx context.Context, _ tracker.Request) (string, error) {
			select {
			case <-release:
				return "ISS-2", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		defer close(release)

		w := post("/activities?wait=20ms", map[string]any{"id": "act-slow", "kind": "issue_create"})
		Expect(w.Code).To(Equal(http.StatusAccepted))
	})

	It("generates an id when none is supplied", func() {
		w := post("/activities", map[string]any{"kind": "issue_comment"})

		Expect(w.Code).To(Equal(http.StatusAccepted))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["activity_id"]).NotTo(BeEmpty())
	})

	DescribeTable("rejects invalid requests",
		func(path string, body any) {
			w := post(path, body)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(client.creates.Load()).To(BeZero())
		},
		Entry("missing kind", "/activities", map[string]any{"id": "x"}),
		Entry("unknown kind", "/activities", map[string]any{"id": "x", "kind": "issue_delete"}),
		Entry("nested payload", "/activities", map[string]any{
			"id": "x", "kind": "issue_create", "payload": map[string]any{"labels": []string{"a"}},
		}),
		Entry("bad wait", "/activities?wait=soon", map[string]any{"id": "x", "kind": "issue_create"}),
	)

	It("answers 503 once the agent has stopped", func() {
		Expect(a.Stop(ctx)).To(Succeed())

		w := post("/activities", map[string]any{"id": "late", "kind": "issue_create"})
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("reports the dedup record of a resolved activity", func() {
		Expect(post("/activities?wait=5s", map[string]any{"id": "act-3", "kind": "issue_create"}).Code).
			To(Equal(http.StatusOK))

		req := httptest.NewRequest(http.MethodGet, "/activities/act-3", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			Status    string    `json:"status"`
			RemoteID  string    `json:"remote_id"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("committed"))
		Expect(resp.RemoteID).To(Equal("ISS-1"))
	})

	It("returns 404 for an unknown activity", func() {
		req := httptest.NewRequest(http.MethodGet, "/activities/nope", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusNotFound))
	})
})
