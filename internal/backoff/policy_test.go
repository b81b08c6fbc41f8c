package backoff_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/issuesync/internal/backoff"
)

var _ = Describe("Policy", func() {
	var policy *backoff.Policy

	BeforeEach(func() {
		policy = backoff.New(backoff.Config{
			Base:        100 * time.Millisecond,
			Max:         5 * time.Second,
			MaxAttempts: 5,
		})
	})

	Describe("NextDelay", func() {
		DescribeTable("doubles per attempt without jitter",
			func(attempt int, expected time.Duration) {
				mid := policy.WithRand(func() float64 { return 0.5 })
				Expect(mid.NextDelay(attempt)).To(Equal(expected))
			},
			Entry("first retry", 0, 100*time.Millisecond),
			Entry("second retry", 1, 200*time.Millisecond),
			Entry("third retry", 2, 400*time.Millisecond),
			Entry("sixth retry", 5, 3200*time.Millisecond),
			Entry("capped", 6, 5*time.Second),
			Entry("far beyond the cap", 60, 5*time.Second),
		)

		It("keeps jitter within ±25%", func() {
			low := policy.WithRand(func() float64 { return 0 })
			high := policy.WithRand(func() float64 { return 0.999999 })
			Expect(low.NextDelay(2)).To(Equal(300 * time.Millisecond))
			Expect(high.NextDelay(2)).To(BeNumerically("~", 500*time.Millisecond, time.Millisecond))
		})

		It("never exceeds the ceiling", func() {
			high := policy.WithRand(func() float64 { return 0.999999 })
			for n := range 40 {
				Expect(high.NextDelay(n)).To(BeNumerically("<=", 5*time.Second))
			}
		})

		It("is monotonic across consecutive attempts for any jitter draw", func() {
			draws := []float64{0, 0.1, 0.5, 0.9, 0.999999}
			for _, a := range draws {
				for _, b := range draws {
					first := policy.WithRand(func() float64 { return a })
					second := policy.WithRand(func() float64 { return b })
					for n := range 12 {
						Expect(second.NextDelay(n+1)).To(BeNumerically(">=", first.NextDelay(n)),
							"attempt %d draws %.2f/%.2f", n, a, b)
					}
				}
			}
		})

		It("treats negative attempts as the first", func() {
			mid := policy.WithRand(func() float64 { return 0.5 })
			Expect(mid.NextDelay(-3)).To(Equal(100 * time.Millisecond))
		})
	})

	Describe("retry eligibility", func() {
		It("retries transient failures only", func() {
			Expect(policy.IsRetryable(backoff.Transient)).To(BeTrue())
			Expect(policy.IsRetryable(backoff.Permanent)).To(BeFalse())
			Expect(policy.IsRetryable("unknown")).To(BeFalse())
		})

		It("stops once the attempt budget is spent", func() {
			Expect(policy.MaxAttempts()).To(Equal(5))
			Expect(policy.ShouldRetry(backoff.Transient, 4)).To(BeTrue())
			Expect(policy.ShouldRetry(backoff.Transient, 5)).To(BeFalse())
			Expect(policy.ShouldRetry(backoff.Permanent, 1)).To(BeFalse())
		})
	})

	It("normalises a ceiling below the base", func() {
		p := backoff.New(backoff.Config{Base: time.Second, Max: time.Millisecond, MaxAttempts: 3})
		Expect(p.NextDelay(4)).To(Equal(time.Second))
	})
})
