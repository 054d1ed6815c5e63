package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/backoff"
)

// DefaultRetryBackoff is used by RetryPublisher when no strategy is given.
func DefaultRetryBackoff() backoff.Strategy {
	return &backoff.Exponential{
		Initial:    100 * time.Millisecond,
		Multiplier: 2.0,
		Max:        5 * time.Second,
		Jitter:     0.1,
	}
}

// RetryPublisher retries failed sends with a backoff strategy.
type RetryPublisher struct {
	next        Sender
	strategy    backoff.Strategy
	maxAttempts int
	logger      *slog.Logger
}

// NewRetryPublisher wraps next. maxAttempts counts the first try; values
// below 1 are treated as 1.
func NewRetryPublisher(next Sender, strategy backoff.Strategy, maxAttempts int) *RetryPublisher {
	if strategy == nil {
		strategy = DefaultRetryBackoff()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPublisher{
		next:        next,
		strategy:    strategy,
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (r *RetryPublisher) WithLogger(logger *slog.Logger) *RetryPublisher {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Send delivers env, retrying until it succeeds, the attempts run out or ctx is done.
func (r *RetryPublisher) Send(ctx context.Context, env *Envelope) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.strategy.NextDelay(attempt - 1)
			r.logger.Info("retrying send after backoff",
				"type", env.Type,
				"attempt", attempt+1,
				"backoff_delay", delay,
				"error", err)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err = r.next.Send(ctx, env); err == nil {
			return nil
		}
	}
	return fmt.Errorf("send failed after %d attempts: %w", r.maxAttempts, err)
}

var _ Sender = (*RetryPublisher)(nil)
