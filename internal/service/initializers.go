// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/events"
	"github.com/xkilldash9x/querycore/internal/llmclient"
	"github.com/xkilldash9x/querycore/internal/resilience"
	"github.com/xkilldash9x/querycore/internal/store"
)

// Repository is the durable home of states and learned patterns.
type Repository interface {
	schemas.StateRepository
	schemas.PatternRepository
}

// InitializeStore connects to PostgreSQL or, when no database is configured,
// falls back to an in-memory repository. The returned pool is nil for the
// in-memory fallback.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Repository, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		logger.Warn("No database configured; defaulting to a temporary in-memory store. State history and learned patterns will be lost on exit. This is not recommended for production use.")
		return store.NewMemory(), nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	repo, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Connected to PostgreSQL.", zap.String("host", poolConfig.ConnConfig.Host))
	return repo, pool, nil
}

// InitializeRedis connects to Redis. An empty address disables every
// Redis-backed component and returns a nil client.
func InitializeRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		logger.Warn("No Redis configured; the dead letter queue, the semantic cache and cross-process pattern reloads are disabled.")
		return nil, nil
	}
	return store.NewRedisClient(ctx, cfg, logger)
}

// InitializeEmbedder builds the cache embedder, or returns nil when semantic
// lookups are disabled.
func InitializeEmbedder(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (schemas.Embedder, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	emb, err := llmclient.NewGenAIEmbedder(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	return emb, nil
}

// InitializeResilience composes the breaker, retry manager, dead letter
// queue and fallback handler. rdb may be nil, which disables the queue.
func InitializeResilience(cfg *config.Config, regs []llmclient.Registration, rdb redis.UniversalClient, logger *zap.Logger) (*resilience.Framework, *resilience.DeadLetterQueue, error) {
	breaker, err := resilience.NewCircuitBreaker(regs, cfg.Resilience.Breaker, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize circuit breaker: %w", err)
	}
	retry := resilience.NewRetryManager(resilience.PolicyFromConfig(cfg.Resilience.Retry), logger)
	fallback := resilience.NewFallbackHandler(cfg.Resilience.Degraded, logger)

	var (
		dlq     *resilience.DeadLetterQueue
		letters resilience.DeadLetterStore
	)
	if rdb != nil {
		dlq = resilience.NewDeadLetterQueue(rdb, cfg.Resilience.DLQ, logger)
		letters = dlq
	}
	fw := resilience.NewFramework(cfg.Orchestrator.AgentName, breaker, retry, letters, fallback, cfg.Resilience, logger)
	return fw, dlq, nil
}

// StartEventLog launches a goroutine that logs persisted state versions and
// dead letter sweeps posted on the bus. It exits when ctx is done or the bus
// shuts down.
func StartEventLog(ctx context.Context, wg *sync.WaitGroup, bus *events.Bus, logger *zap.Logger) {
	ch, unsubscribe := bus.Subscribe(events.TypeStateTransition, events.TypeDeadLetter)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch payload := ev.Payload.(type) {
				case schemas.OrchestrationState:
					entry := []zap.Field{
						zap.String("session_id", payload.SessionID),
						zap.String("state_id", payload.StateID),
						zap.Int("version", payload.Version),
						zap.String("status", string(payload.Status)),
					}
					if last, ok := payload.LastEvent(); ok {
						entry = append(entry, zap.String("event", last.EventType))
					}
					logger.Debug("State transition.", entry...)
				case resilience.SweepReport:
					logger.Info("Dead letter sweep.",
						zap.Int("dequeued", payload.Dequeued),
						zap.Int("completed", payload.Completed),
						zap.Int("requeued", payload.Requeued),
						zap.Int("archived", payload.Archived),
						zap.Int("released", payload.Released),
						zap.Int("reclaimed", payload.Reclaimed))
				}
				bus.Acknowledge(ev)
			}
		}
	}()
}
