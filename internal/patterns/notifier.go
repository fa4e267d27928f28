package patterns

import (
	"context"
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/events"
)

// Notifier announces that learned patterns changed.
type Notifier interface {
	Notify(ctx context.Context, sig schemas.ReloadSignal) error
}

// ReloadAll asks for a full table reload.
func ReloadAll() schemas.ReloadSignal {
	return schemas.ReloadSignal{Action: schemas.ReloadAction}
}

// ReloadOne asks for a single pattern to be refreshed.
func ReloadOne(id int64) schemas.ReloadSignal {
	return schemas.ReloadSignal{Action: schemas.ReloadAction, PatternID: &id}
}

// RedisPublisher publishes signals on the shared reload channel, reaching
// every process subscribed to it.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, sig schemas.ReloadSignal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode reload signal: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("failed to publish reload signal: %w", err)
	}
	return nil
}

// BusNotifier delivers signals to in-process watchers only.
type BusNotifier struct {
	Bus *events.Bus
}

func (n BusNotifier) Notify(ctx context.Context, sig schemas.ReloadSignal) error {
	return n.Bus.Post(ctx, events.TypePatternReload, sig)
}

// MultiNotifier notifies every member and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, sig schemas.ReloadSignal) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
