// Package backoff implements the retry policy shared by every network
// operation: exponential growth, a capped interval and random jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy describes how delays grow between attempts.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fraction of the delay added or removed at random.
	Jitter float64
}

// DefaultPolicy retries after 500ms, doubling up to one minute.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Delay computes the raw delay for attempt (zero based), without jitter.
// Formula: initial * multiplier^attempt, capped at MaxDelay when set.
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	raw := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if p.MaxDelay > 0 && raw > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if raw >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// Backoff tracks the failure streak of one logical connection.
type Backoff struct {
	policy Policy

	mu      sync.Mutex
	attempt int
	rnd     *rand.Rand
}

// New returns a Backoff with an empty failure streak.
func New(p Policy) *Backoff {
	return &Backoff{
		policy: p,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and extends the streak.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.policy.Delay(b.attempt)
	b.attempt++
	return b.jitter(delay)
}

func (b *Backoff) jitter(delay time.Duration) time.Duration {
	if b.policy.Jitter <= 0 || delay <= 0 {
		return delay
	}
	spread := float64(delay) * b.policy.Jitter
	offset := (b.rnd.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(delay) + offset)
	if jittered < time.Millisecond {
		return time.Millisecond
	}
	return jittered
}

// Reset clears the failure streak after a successful call.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempts returns the length of the current failure streak.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Wait sleeps for Next(). It returns ctx.Err() if ctx ends first; the timer
// is released either way.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
