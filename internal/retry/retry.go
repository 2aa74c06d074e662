// Package retry provides a small exponential-backoff policy shared by the
// GitHub client and the enforcer's log-fetch loop.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/logging"
)

// Policy configures retry behavior for an operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 4 (one call plus three retries).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	// Default: 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff growth.
	// Default: 30 seconds.
	MaxBackoff time.Duration

	// Multiplier grows the backoff between attempts.
	// Default: 2.
	Multiplier float64

	// Retryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for GitHub API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (p *Policy) ApplyDefaults() {
	defaults := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaults.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.Multiplier <= 1 {
		p.Multiplier = defaults.Multiplier
	}
}

// Do invokes fn until it succeeds, the attempts are exhausted, an error is
// reported non-retryable, or ctx is canceled. The returned error is the last
// error from fn, wrapped with the attempt count when attempts ran out.
func (p Policy) Do(ctx context.Context, log *logging.Logger, op string, fn func() error) error {
	p.ApplyDefaults()

	var lastErr error
	backoff := p.InitialBackoff
	start := time.Now()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 && log != nil {
				log.Info(ctx, "operation recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)))
			}
			return nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			if log != nil {
				log.Debug(ctx, "error is not retryable",
					zap.String("op", op), zap.Error(err))
			}
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		if log != nil {
			log.Info(ctx, "retrying after transient error",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.MaxAttempts),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			next := time.Duration(float64(backoff) * p.Multiplier)
			if next > p.MaxBackoff {
				next = p.MaxBackoff
			}
			backoff = next
		}
	}

	if log != nil {
		log.Warn(ctx, "operation failed after all retries",
			zap.String("op", op),
			zap.Int("total_attempts", p.MaxAttempts),
			zap.Duration("total_time", time.Since(start)),
			zap.Error(lastErr))
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
