package github

import (
	"context"
	"fmt"
	"time"
)

// RateLimitStatus is the core rate limit snapshot from /rate_limit.
type RateLimitStatus struct {
	Limit     int
	Remaining int
	ResetTime time.Time
}

// Limited reports whether the quota is already exhausted.
func (r *RateLimitStatus) Limited() bool {
	return r.Remaining <= 0
}

func (r *RateLimitStatus) String() string {
	return fmt.Sprintf("%d/%d (%s)", r.Remaining, r.Limit, r.ResetTime.Format(time.RFC3339))
}

// RateLimit polls the current core API quota. Runs check this once up
// front and bail out politely instead of burning requests while
// limited.
func (c *Client) RateLimit(ctx context.Context) (*RateLimitStatus, error) {
	var body struct {
		Rate struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Reset     int64 `json:"reset"`
		} `json:"rate"`
	}
	if err := c.Get(ctx, "/rate_limit", nil, &body); err != nil {
		return nil, err
	}
	return &RateLimitStatus{
		Limit:     body.Rate.Limit,
		Remaining: body.Rate.Remaining,
		ResetTime: time.Unix(body.Rate.Reset, 0),
	}, nil
}
