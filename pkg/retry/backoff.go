// Package retry computes bounded exponential backoff schedules shared by the
// agent supervisor (engine restarts) and the signed-request client (upstream
// retries).
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry schedule.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy is used when a caller leaves the policy zero-valued.
func DefaultPolicy() Policy {
	return Policy{
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxJitter:   0,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before the given zero-based attempt index:
// Base * 2^attempt, capped at Max, plus deterministic jitter seeded by key.
func (p Policy) Delay(key string, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the exponent to avoid overflow
	if attempt > 30 {
		attempt = 30
	}

	delay := p.Base * time.Duration(int64(1)<<attempt)
	if delay < 0 || (p.Max > 0 && delay > p.Max) {
		delay = p.Max
	}

	return delay + p.jitter(key, attempt)
}

func (p Policy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Schedule returns the delays before each of the MaxAttempts attempts. The
// first attempt never waits.
func (p Policy) Schedule(key string) []time.Duration {
	if p.MaxAttempts <= 0 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts)
	for i := 1; i < p.MaxAttempts; i++ {
		out[i] = p.Delay(key, i-1)
	}
	return out
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
