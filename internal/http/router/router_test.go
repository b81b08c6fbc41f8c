package router_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/issuesync/core/config"
	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/http/router"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/tracker"
)

type okTracker struct{}

func (okTracker) CreateOrUpdate(context.Context, tracker.Request) (string, error) {
	return "ISS-1", nil
}

func (okTracker) ReadState(_ context.Context, key string) (model.StateSnapshot, error) {
	return model.StateSnapshot{IssueKey: key, Status: "opened"}, nil
}

var _ = Describe("SetupRoutes", func() {
	var (
		engine *gin.Engine
		a      *agent.Agent
	)

	BeforeEach(func() {
		cfg := config.DefaultAgentConfig()
		cfg.PollInterval = time.Hour
		cfg.ShutdownGrace = time.Second
		a = agent.New(okTracker{}, cfg)
		Expect(a.Start(context.Background())).To(Succeed())

		engine = gin.New()
		router.SetupRoutes(engine, a, router.RouterConfig{APIKey: "k"})
	})

	AfterEach(func() {
		_ = a.Stop(context.Background())
	})

	serve := func(method, path, body string, authed bool) int {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if authed {
			req.Header.Set("X-API-Key", "k")
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w.Code
	}

	It("serves health without a key", func() {
		Expect(serve(http.MethodGet, "/health", "", false)).To(Equal(http.StatusOK))
	})

	It("guards the api with the key", func() {
		Expect(serve(http.MethodGet, "/api/v1/stats", "", false)).To(Equal(http.StatusUnauthorized))
		Expect(serve(http.MethodGet, "/api/v1/stats", "", true)).To(Equal(http.StatusOK))
	})

	It("mounts the activity and watch endpoints", func() {
		Expect(serve(http.MethodPost, "/api/v1/activities", `{"id":"a1","kind":"issue_create"}`, true)).
			To(Equal(http.StatusAccepted))
		Expect(serve(http.MethodPost, "/api/v1/watches", `{"issue_key":"g/p#1"}`, true)).
			To(Equal(http.StatusCreated))
		Expect(serve(http.MethodGet, "/api/v1/watches", "", true)).To(Equal(http.StatusOK))
	})
})
