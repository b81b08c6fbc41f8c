package tracker

import (
	"context"

	"golang.org/x/time/rate"

	"basegraph.app/issuesync/internal/model"
)

type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// RateLimited throttles every call to next through limiter. Waiting for a
// token honours ctx, so shutdown never blocks on the limiter.
func RateLimited(next Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return next
	}
	return &rateLimitedClient{next: next, limiter: limiter}
}

func (c *rateLimitedClient) CreateOrUpdate(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.next.CreateOrUpdate(ctx, req)
}

func (c *rateLimitedClient) ReadState(ctx context.Context, issueKey string) (model.StateSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.StateSnapshot{}, err
	}
	return c.next.ReadState(ctx, issueKey)
}
