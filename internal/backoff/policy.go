// Package backoff decides whether and when a failed tracker operation is retried.
package backoff

import (
	"math/rand/v2"
	"time"
)

// FailureKind is the classification attached to a failed attempt by the
// tracker client.
type FailureKind string

const (
	Transient FailureKind = "transient"
	Permanent FailureKind = "permanent"
)

// jitterFraction is the ± spread applied around the exponential delay.
const jitterFraction = 0.25

type Config struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Policy computes exponential delays with ±25% jitter, capped at Max.
//
// Below the ceiling the jitter window of attempt n+1 starts above the window
// of attempt n (0.75*2d > 1.25*d), so delays never shrink between consecutive
// attempts. Once the exponential term reaches the ceiling the delay is the
// ceiling itself.
type Policy struct {
	rand        func() float64
	base        time.Duration
	max         time.Duration
	maxAttempts int
}

func New(cfg Config) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Policy{
		rand:        rand.Float64,
		base:        cfg.Base,
		max:         cfg.Max,
		maxAttempts: cfg.MaxAttempts,
	}
}

// WithRand replaces the jitter source; f must return values in [0, 1).
func (p *Policy) WithRand(f func() float64) *Policy {
	cp := *p
	cp.rand = f
	return &cp
}

// MaxAttempts is the total number of calls allowed for one operation.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// IsRetryable reports whether a failure of the given kind may be retried.
// Only transient failures are; unknown kinds are not.
func (p *Policy) IsRetryable(kind FailureKind) bool {
	return kind == Transient
}

// ShouldRetry combines the failure kind with the attempt budget. attempts is
// the number of calls already made for the operation.
func (p *Policy) ShouldRetry(kind FailureKind, attempts int) bool {
	return p.IsRetryable(kind) && attempts < p.maxAttempts
}

// NextDelay returns the wait before the retry that follows the given attempt
// (0-based: attempt 0 is the delay after the first failure).
func (p *Policy) NextDelay(attempt int) time.Duration {
	d := p.exponential(attempt)
	if d >= p.max {
		return p.max
	}

	// Uniform in [d*(1-f), d*(1+f)).
	spread := float64(d) * jitterFraction
	jittered := time.Duration(float64(d) - spread + p.rand()*2*spread)
	if jittered > p.max {
		return p.max
	}
	if jittered <= 0 {
		return time.Millisecond
	}
	return jittered
}

func (p *Policy) exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.base
	for range attempt {
		if d >= p.max/2 {
			return p.max
		}
		d *= 2
	}
	return d
}
