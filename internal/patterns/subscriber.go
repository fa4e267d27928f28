// internal/patterns/subscriber.go
package patterns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

// ErrReconnectExhausted is returned by Run once the reload channel stayed
// unreachable for more than the configured number of reconnect attempts.
var ErrReconnectExhausted = errors.New("reload channel reconnect attempts exhausted")

// ReloadHandler is invoked once per valid reload signal.
type ReloadHandler func(ctx context.Context, sig schemas.ReloadSignal) error

// Subscriber listens on the reload channel and hands every signal to the
// handler. It reconnects with exponential backoff after transport loss.
type Subscriber struct {
	rdb     redis.UniversalClient
	cfg     config.PatternsConfig
	handler ReloadHandler
	logger  *zap.Logger
}

// NewSubscriber creates a subscriber for cfg.ReloadChannel.
func NewSubscriber(rdb redis.UniversalClient, cfg config.PatternsConfig, handler ReloadHandler, logger *zap.Logger) *Subscriber {
	if cfg.ReconnectMinWait <= 0 {
		cfg.ReconnectMinWait = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectMinWait {
		cfg.ReconnectMaxWait = cfg.ReconnectMinWait
	}
	return &Subscriber{
		rdb:     rdb,
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("reload_subscriber"),
	}
}

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectMinWait
	b.MaxInterval = s.cfg.ReconnectMaxWait
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run blocks until ctx is done (returning nil) or the reconnect budget is
// spent (returning ErrReconnectExhausted). Failures are counted from the
// last successful subscription.
func (s *Subscriber) Run(ctx context.Context) error {
	b := s.newBackOff()
	failures := 0
	for {
		err := s.session(ctx, func() {
			failures = 0
			b.Reset()
		})
		if ctx.Err() != nil {
			return nil
		}

		failures++
		if failures > s.cfg.MaxReconnectAttempts {
			s.logger.Error("Giving up on the reload channel; hot reload is disabled until restart.",
				zap.String("channel", s.cfg.ReloadChannel),
				zap.Int("attempts", failures-1),
				zap.Error(err))
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}

		wait := b.NextBackOff()
		s.logger.Warn("Reload channel lost, reconnecting.",
			zap.String("channel", s.cfg.ReloadChannel),
			zap.Int("attempt", failures),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session subscribes once and consumes messages until the transport fails.
func (s *Subscriber) session(ctx context.Context, subscribed func()) error {
	ps := s.rdb.Subscribe(ctx, s.cfg.ReloadChannel)
	defer ps.Close()
	// Blocking reads ignore cancellation; closing the connection ends them.
	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	subscribed()
	s.logger.Info("Listening for pattern reload signals.", zap.String("channel", s.cfg.ReloadChannel))

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, msg.Payload)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, payload string) {
	sig, err := DecodeSignal([]byte(payload))
	if err != nil {
		s.logger.Warn("Ignoring malformed reload signal.", zap.String("payload", payload), zap.Error(err))
		return
	}
	if err := s.handler(ctx, sig); err != nil {
		s.logger.Warn("Reload handler failed.", zap.Error(err))
	}
}

// DecodeSignal parses and validates a reload signal.
func DecodeSignal(b []byte) (schemas.ReloadSignal, error) {
	var sig schemas.ReloadSignal
	if err := json.Unmarshal(b, &sig); err != nil {
		return sig, fmt.Errorf("invalid reload signal: %w", err)
	}
	if sig.Action != schemas.ReloadAction {
		return sig, fmt.Errorf("%w: %q", ErrUnknownAction, sig.Action)
	}
	return sig, nil
}
