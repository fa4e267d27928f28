package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/observability"
)

// RetryPolicy bounds one WithBackoff call.
type RetryPolicy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	// Jitter is the randomization factor. 0.5 spreads each wait over [0.5, 1.5]
	// of the nominal value; 0 disables jitter.
	Jitter float64
}

// PolicyFromConfig converts the configured retry settings.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		MinWait:     cfg.MinWait,
		MaxWait:     cfg.MaxWait,
		Jitter:      cfg.Jitter,
	}
}

// newBackOff builds the schedule where attempt k (k >= 2) waits
// min(max_wait, min_wait * 2^(k-1)) scaled by jitter.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	initial := p.MinWait * 2
	if p.MaxWait > 0 && initial > p.MaxWait {
		initial = p.MaxWait
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxWait,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// RetryManager wraps operations with bounded exponential backoff and keeps
// cumulative counters for the health surface.
type RetryManager struct {
	policy   RetryPolicy
	newTimer func() backoff.Timer
	logger   *zap.Logger

	operations atomic.Int64
	attempts   atomic.Int64
	successes  atomic.Int64
	exhausted  atomic.Int64
}

// NewRetryManager creates a manager using policy for WithBackoff.
func NewRetryManager(policy RetryPolicy, logger *zap.Logger) *RetryManager {
	return &RetryManager{
		policy: policy,
		logger: logger.Named("retry"),
	}
}

// Policy returns the default policy.
func (m *RetryManager) Policy() RetryPolicy { return m.policy }

// WithBackoff runs fn under the default policy.
func (m *RetryManager) WithBackoff(ctx context.Context, fn func(context.Context) error) error {
	return m.Do(ctx, m.policy, fn)
}

// Do runs fn until it succeeds, the attempt budget is spent, the error is not
// retryable, or ctx is done. The first attempt is immediate. The last error is
// returned on exhaustion.
func (m *RetryManager) Do(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	m.operations.Add(1)
	attempt := 0

	operation := func() error {
		attempt++
		m.attempts.Add(1)
		observability.RetryAttempts.Inc()

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Classify(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug("Operation failed, backing off.",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(policy.newBackOff(), ctx)

	var err error
	if m.newTimer != nil {
		err = backoff.RetryNotifyWithTimer(operation, b, notify, m.newTimer())
	} else {
		err = backoff.RetryNotify(operation, b, notify)
	}

	if err != nil {
		m.exhausted.Add(1)
		m.logger.Debug("Retry budget spent.", zap.Int("attempts", attempt), zap.Error(err))
		return err
	}
	m.successes.Add(1)
	return nil
}

// Stats returns a snapshot of the cumulative counters.
func (m *RetryManager) Stats() schemas.RetryStats {
	return schemas.RetryStats{
		Operations: m.operations.Load(),
		Attempts:   m.attempts.Load(),
		Successes:  m.successes.Load(),
		Exhausted:  m.exhausted.Load(),
	}
}

// Retry is the value-returning form of RetryManager.WithBackoff.
func Retry[T any](ctx context.Context, m *RetryManager, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.WithBackoff(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
