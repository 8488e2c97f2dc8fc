package exchangeclient

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SharedGate coordinates the minimum interval across service instances. Reserve claims
// the next slot for key and returns how long the caller must wait first (0 when the
// slot is free now).
type SharedGate interface {
	Reserve(ctx context.Context, key string, interval time.Duration) (time.Duration, error)
}

// Limiter enforces a minimum interval between exchange API calls. A call may start no
// earlier than the later of last call + interval and last response + interval, so API
// latency does not erode the spacing.
type Limiter struct {
	interval time.Duration
	calls    *rate.Limiter

	mu           sync.Mutex
	lastResponse time.Time

	shared    SharedGate
	sharedKey string
}

// NewLimiter returns a limiter allowing one call per interval.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		calls:    rate.NewLimiter(rate.Every(interval), 1),
	}
}

// WithSharedGate makes the limiter also honour a cross-instance gate.
func (l *Limiter) WithSharedGate(gate SharedGate, key string) *Limiter {
	l.shared = gate
	l.sharedKey = key
	return l
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until a call may start.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		return nil
	}

	l.mu.Lock()
	wait := time.Until(l.lastResponse.Add(l.interval))
	l.mu.Unlock()
	if err := sleep(ctx, wait); err != nil {
		return err
	}

	if err := l.calls.Wait(ctx); err != nil {
		return err
	}

	if l.shared == nil {
		return nil
	}
	for {
		delay, err := l.shared.Reserve(ctx, l.sharedKey, l.interval)
		if err != nil {
			// The local limiter still applies; a shared gate outage must not stall settlements.
			log.Printf("level=warn component=exchange_client msg=\"shared rate gate unavailable\" err=%q", err.Error())
			return nil
		}
		if delay <= 0 {
			return nil
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Observe records that a response (or transport failure) was received.
func (l *Limiter) Observe() {
	l.mu.Lock()
	l.lastResponse = time.Now()
	l.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
