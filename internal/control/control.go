package control

import (
	"context"
	"time"
)

// Policy defines limits applied to each upstream completion call.
type Policy struct {
	UpstreamTimeout time.Duration
}

// DefaultPolicy returns the default upstream policy.
func DefaultPolicy() Policy {
	return Policy{
		UpstreamTimeout: 60 * time.Second,
	}
}

// WithUpstreamDeadline derives a context bounded by the policy timeout.
// A non-positive timeout leaves ctx unchanged.
func (p Policy) WithUpstreamDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.UpstreamTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.UpstreamTimeout)
}
