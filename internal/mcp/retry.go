package mcp

import (
	"context"
	"math"
	"time"

	"github.com/go-ports/memlink/internal/config"
)

// RetryPolicy is the per-server reconnect schedule. MaxAttempts counts
// every attempt, the first one included.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// PolicyFromConfig converts preferences into a RetryPolicy.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialDelay: c.InitialDelay,
		Multiplier:   c.Multiplier,
		MaxDelay:     c.MaxDelay,
		MaxAttempts:  c.MaxAttempts,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.Multiplier < 1 || math.IsNaN(p.Multiplier) {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Delay returns the wait after failed attempt n (1-based):
// InitialDelay * Multiplier^(n-1), capped at MaxDelay. The product is
// compared in float64 so a huge multiplier cannot overflow.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return min(time.Duration(d), p.MaxDelay)
}

// Delays is the full sequence of waits between MaxAttempts attempts.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.withDefaults()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for n := 1; n < p.MaxAttempts; n++ {
		out = append(out, p.Delay(n))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
