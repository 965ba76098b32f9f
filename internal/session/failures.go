package session

import (
	"context"
	"time"

	"github.com/go-ports/memlink/internal/store"
)

const (
	// delayThreshold is the failure count after which auth attempts back off.
	delayThreshold = 2
	baseAuthDelay  = time.Second
	maxAuthDelay   = 30 * time.Second
)

// AuthDelay returns the wait before the next auth attempt after count
// consecutive failures: none up to two, then 1s doubling per failure,
// capped at 30s. It depends only on count so every device sharing a
// credential computes the same delay.
func AuthDelay(count int) time.Duration {
	if count <= delayThreshold {
		return 0
	}
	d := baseAuthDelay
	for i := delayThreshold; i < count; i++ {
		d *= 2
		if d >= maxAuthDelay {
			return maxAuthDelay
		}
	}
	return d
}

// IncrementFailureCount records an auth failure and returns the new count.
func (m *Manager) IncrementFailureCount(ctx context.Context) (int, error) {
	now := m.opts.Now().UTC()
	doc, err := m.store.Update(ctx, func(d *store.Document) error {
		d.AuthFailureCount++
		d.LastAuthFailure = &now
		return nil
	})
	if err != nil {
		return 0, err
	}
	return doc.AuthFailureCount, nil
}

// ResetFailureCount zeroes the counter.
func (m *Manager) ResetFailureCount(ctx context.Context) error {
	_, err := m.store.Update(ctx, func(d *store.Document) error {
		d.AuthFailureCount = 0
		d.LastAuthFailure = nil
		return nil
	})
	return err
}

// FailureCount returns the persisted counter.
func (m *Manager) FailureCount(ctx context.Context) (int, error) {
	doc, err := m.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	return doc.AuthFailureCount, nil
}

// ShouldDelayAuth reports whether the counter is past the threshold.
func (m *Manager) ShouldDelayAuth(ctx context.Context) (bool, error) {
	n, err := m.FailureCount(ctx)
	if err != nil {
		return false, err
	}
	return n > delayThreshold, nil
}

// CurrentAuthDelay is AuthDelay for the persisted counter.
func (m *Manager) CurrentAuthDelay(ctx context.Context) (time.Duration, error) {
	n, err := m.FailureCount(ctx)
	if err != nil {
		return 0, err
	}
	return AuthDelay(n), nil
}

// backoff waits out the current auth delay before contacting the server.
func (m *Manager) backoff(ctx context.Context) error {
	d, err := m.CurrentAuthDelay(ctx)
	if err != nil || d == 0 {
		return err
	}
	m.logger.Info("backing off after repeated auth failures", "delay", d.String())
	return m.opts.Sleep(ctx, d)
}
