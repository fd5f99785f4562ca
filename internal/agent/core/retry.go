package core

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"
)

// ErrInvalidInput marks caller-input errors that no amount of retrying can
// fix. Wrap with fmt.Errorf("%w: ...", ErrInvalidInput).
var ErrInvalidInput = errors.New("invalid input")

// RetryPolicy retries transient failures with exponential backoff and full
// jitter: each sleep is uniform in [0, min(maxDelay, baseDelay<<attempt)).
type RetryPolicy struct {
	Retries   int // retries after the first attempt
	BaseDelay time.Duration
	MaxDelay  time.Duration
	OnRetry   func(attempt int) // optional, used for telemetry counters
}

// Do runs fn up to Retries+1 times. Invalid-input errors and context
// cancellation stop immediately.
func (p RetryPolicy) Do(ctx context.Context, logger *log.Logger, label string, fn func(ctx context.Context, attempt int) error) error {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	tries := p.Retries + 1
	if tries < 1 {
		tries = 1
	}

	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrInvalidInput) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if attempt == tries-1 {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt + 1)
		}
		ceiling := base << attempt
		if ceiling > maxDelay {
			ceiling = maxDelay
		}
		sleep := time.Duration(rand.Int63n(int64(ceiling) + 1))
		if logger != nil {
			logger.Printf("%s attempt %d/%d failed: %v (retrying in %s)", label, attempt+1, tries, lastErr, sleep.Round(time.Millisecond))
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
