package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/http/handler"
)

type staticStats agent.Stats

func (s staticStats) Stats() agent.Stats { return agent.Stats(s) }

var _ = Describe("StatsHandler", func() {
	It("serves the agent counters", func() {
		router := gin.New()
		h := handler.NewStatsHandler(staticStats{Submitted: 3, Committed: 2, Failed: 1})
		router.GET("/stats", h.Get)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["submitted"]).To(BeEquivalentTo(3))
		Expect(resp["committed"]).To(BeEquivalentTo(2))
		Expect(resp["failed"]).To(BeEquivalentTo(1))
	})
})
