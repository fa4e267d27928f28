// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/cache"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/events"
	"github.com/xkilldash9x/querycore/internal/identity"
	"github.com/xkilldash9x/querycore/internal/observability"
	"github.com/xkilldash9x/querycore/internal/orchestrator"
	"github.com/xkilldash9x/querycore/internal/patterns"
	"github.com/xkilldash9x/querycore/internal/resilience"
	"github.com/xkilldash9x/querycore/internal/scheduler"
	"github.com/xkilldash9x/querycore/internal/state"
)

// shutdownGrace bounds how long Shutdown waits for background runs.
const shutdownGrace = 30 * time.Second

// ErrNoDeadLetterQueue is returned by dead letter operations when Redis is
// not configured.
var ErrNoDeadLetterQueue = errors.New("dead letter queue is disabled (no redis configured)")

// ErrNoCache is returned by cache maintenance when the cache is disabled or
// Redis is not configured.
var ErrNoCache = errors.New("semantic cache is disabled")

// Components holds every initialized service of the query engine and owns
// their lifecycle.
type Components struct {
	Config       *config.Config
	DBPool       *pgxpool.Pool
	Redis        *redis.Client
	Repo         Repository
	States       *state.Manager
	Patterns     *patterns.Store
	Framework    *resilience.Framework
	DLQ          *resilience.DeadLetterQueue
	Cache        *cache.Cache
	Identity     *identity.Resolver
	Orchestrator *orchestrator.Orchestrator
	Bus          *events.Bus
	Scheduler    *scheduler.Scheduler
	Subscriber   *patterns.Subscriber
	Notifier     patterns.Notifier

	clients []schemas.LLMClient
	logger  *zap.Logger

	wg           sync.WaitGroup
	cancel       context.CancelFunc
	startOnce    sync.Once
	shutdownOnce sync.Once
}

// StartBackground launches the long-running workers: the pattern watcher,
// the reload subscriber, the scheduler, the metrics endpoint and the event
// log. They stop when ctx is done or Shutdown is called.
func (c *Components) StartBackground(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Patterns.Watch(ctx, c.Bus)
		}()

		if c.Subscriber != nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := c.Subscriber.Run(ctx); err != nil && ctx.Err() == nil {
					// Without the channel, the refresh job keeps the table current.
					c.logger.Error("Pattern reload subscriber stopped.", zap.Error(err))
				}
			}()
		}

		if c.Config.Metrics.Enabled {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := observability.ServeMetrics(ctx, c.Config.Metrics.Address, c.logger); err != nil {
					c.logger.Error("Metrics endpoint stopped.", zap.Error(err))
				}
			}()
		}

		StartEventLog(ctx, &c.wg, c.Bus, c.logger)
		c.Scheduler.Start()
		c.logger.Info("Background workers started.", zap.Bool("subscriber", c.Subscriber != nil), zap.Bool("metrics", c.Config.Metrics.Enabled))
	})
}

// SweepDeadLetters reprocesses one batch of the dead letter queue and
// announces the outcome on the bus when anything moved.
func (c *Components) SweepDeadLetters(ctx context.Context) (resilience.SweepReport, error) {
	if c.DLQ == nil {
		return resilience.SweepReport{}, ErrNoDeadLetterQueue
	}
	report, err := c.DLQ.Sweep(ctx, c.Config.Resilience.DLQ.SweepBatch, c.Framework.Reprocess)
	if err != nil {
		return report, err
	}
	if report.Dequeued > 0 || report.Reclaimed > 0 {
		if perr := c.Bus.Post(ctx, events.TypeDeadLetter, report); perr != nil {
			c.logger.Debug("Sweep report not announced.", zap.Error(perr))
		}
	}
	return report, nil
}

// HealthReport extends the resilience view with the state of the stores.
type HealthReport struct {
	schemas.HealthReport
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Patterns int    `json:"patterns"`
}

// Health probes the stores and collects the resilience view.
func (c *Components) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		HealthReport: c.Framework.Health(ctx),
		Database:     "memory",
		Redis:        "disabled",
		Patterns:     c.Patterns.Table().Len(),
	}
	if c.DBPool != nil {
		report.Database = probe(c.DBPool.Ping(ctx))
	}
	if c.Redis != nil {
		report.Redis = probe(c.Redis.Ping(ctx).Err())
	}
	return report
}

func probe(err error) string {
	if err != nil {
		return "unreachable: " + err.Error()
	}
	return "ok"
}

// Shutdown gracefully closes all components, ensuring resources are released
// in the correct order. It is safe on partially initialized components.
func (c *Components) Shutdown() {
	c.shutdownOnce.Do(c.shutdown)
}

func (c *Components) shutdown() {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Let in-flight runs persist their final state.
	if c.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := c.Orchestrator.Wait(ctx); err != nil {
			logger.Warn("Background runs still active at shutdown.", zap.Error(err))
		}
		cancel()
	}

	// 2. Stop producers of maintenance work.
	if c.Scheduler != nil {
		c.Scheduler.Stop()
		logger.Debug("Scheduler stopped.")
	}

	// 3. Stop the workers and wait for them.
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Event bus shut down.")
	}

	// 4. Release external connections.
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			logger.Warn("Error closing provider client.", zap.String("provider", client.Name()), zap.Error(err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Error closing redis client.", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}
