package main

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/issuesync/internal/model"
)

var _ = Describe("buildActivity", func() {
	It("types payload values", func() {
		a, err := buildActivity("build-1", "issue_create", []string{
			"project=group/app",
			"title=Build 1 failed",
			"weight=3",
			"confidential=true",
			"labels=ci,broken",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(a.ID).To(Equal("build-1"))
		Expect(a.Kind).To(Equal(model.ActivityKindIssueCreate))
		Expect(a.Payload).To(Equal(model.Payload{
			"project":      "group/app",
			"title":        "Build 1 failed",
			"weight":       int64(3),
			"confidential": true,
			"labels":       "ci,broken",
		}))
		Expect(a.Payload.Validate()).To(Succeed())
		Expect(a.ObservedAt).NotTo(BeZero())
	})

	DescribeTable("rejects bad input",
		func(id, kind string, fields []string) {
			_, err := buildActivity(id, kind, fields)
			Expect(err).To(HaveOccurred())
		},
		Entry("unknown kind", "a", "issue_delete", nil),
		Entry("blank id", " ", "issue_create", nil),
		Entry("field without value", "a", "issue_create", []string{"title"}),
		Entry("field without key", "a", "issue_create", []string{"=x"}),
	)
})

var _ = Describe("root command", func() {
	It("requires an id to enqueue", func() {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"enqueue", "--kind", "issue_create"})

		Expect(cmd.Execute()).To(MatchError(ContainSubstring(`required flag(s) "id" not set`)))
	})

	It("refuses the memory store for status", func() {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"status", "a1", "--store", "memory"})

		Expect(cmd.Execute()).To(MatchError(ContainSubstring("has no persisted records")))
	})
})
