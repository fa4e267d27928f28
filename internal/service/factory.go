// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/cache"
	"github.com/xkilldash9x/querycore/internal/classifier"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/events"
	"github.com/xkilldash9x/querycore/internal/fastpath"
	"github.com/xkilldash9x/querycore/internal/identity"
	"github.com/xkilldash9x/querycore/internal/llmclient"
	"github.com/xkilldash9x/querycore/internal/masking"
	"github.com/xkilldash9x/querycore/internal/orchestrator"
	"github.com/xkilldash9x/querycore/internal/patterns"
	"github.com/xkilldash9x/querycore/internal/scheduler"
	"github.com/xkilldash9x/querycore/internal/state"
	"github.com/xkilldash9x/querycore/internal/tools"
)

// Names of the maintenance jobs registered with the scheduler.
const (
	JobDLQSweep       = "dlq-sweep"
	JobPatternRefresh = "pattern-refresh"
)

const busBufferSize = 64

// ComponentFactory builds the full set of components behind the CLI
// commands. Commands depend on the interface so they can be tested with a
// factory that returns in-memory components.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of the
// query engine. Nothing is started; see Components.StartBackground.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	components := &Components{Config: cfg, logger: logger}

	// Release whatever was opened if a later step fails.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Durable store
	repo, pool, err := InitializeStore(ctx, cfg.Database, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize store: %w", err)
		return nil, initializationErr
	}
	components.Repo = repo
	components.DBPool = pool

	// 2. Redis
	rdb, err := InitializeRedis(ctx, cfg.Redis, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize redis: %w", err)
		return nil, initializationErr
	}
	components.Redis = rdb

	// 3. Providers and the resilience layer
	regs, err := llmclient.NewClients(cfg.Providers, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	for _, r := range regs {
		components.clients = append(components.clients, r.Client)
	}

	// A nil *redis.Client must not reach the interface parameter as a typed nil.
	var letters redis.UniversalClient
	if rdb != nil {
		letters = rdb
	}
	components.Framework, components.DLQ, err = InitializeResilience(cfg, regs, letters, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	logger.Debug("Resilience framework initialized.", zap.Int("providers", len(regs)))

	// 4. Semantic cache
	if rdb != nil && cfg.Cache.Enabled {
		var emb schemas.Embedder
		emb, err = InitializeEmbedder(ctx, cfg.Cache.Embeddings, logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Cache = cache.New(rdb, emb, cfg.Cache, logger)
		logger.Debug("Semantic cache initialized.", zap.Bool("embeddings", emb != nil))
	}

	// 5. Event bus and state
	components.Bus = events.NewBus(logger, busBufferSize)
	components.States = state.NewManager(repo, logger, state.WithBus(components.Bus))

	// 6. Learned patterns
	components.Patterns = patterns.NewStore(repo, logger)
	if err := components.Patterns.Reload(ctx); err != nil {
		logger.Warn("Initial pattern load failed; starting with an empty table.", zap.Error(err))
	}
	components.Notifier = patterns.BusNotifier{Bus: components.Bus}
	if rdb != nil {
		components.Notifier = patterns.MultiNotifier{
			patterns.BusNotifier{Bus: components.Bus},
			patterns.NewRedisPublisher(rdb, cfg.Patterns.ReloadChannel),
		}
		components.Subscriber = patterns.NewSubscriber(rdb, cfg.Patterns, func(ctx context.Context, sig schemas.ReloadSignal) error {
			return components.Bus.Post(ctx, events.TypePatternReload, sig)
		}, logger)
	}

	// 7. Pipeline stages
	var fp *fastpath.Matcher
	if cfg.FastPath.Enabled {
		fp, err = fastpath.New(cfg.FastPath)
		if err != nil {
			initializationErr = fmt.Errorf("failed to compile fast path rules: %w", err)
			return nil, initializationErr
		}
	}

	masker, err := masking.New(cfg.Masking)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build masker: %w", err)
		return nil, initializationErr
	}

	registry, err := tools.FromConfig(cfg.Tools, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build tool registry: %w", err)
		return nil, initializationErr
	}

	components.Identity, err = identity.NewResolver(cfg.Identity)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build identity resolver: %w", err)
		return nil, initializationErr
	}

	cls := classifier.New(components.Patterns, components.Cache, components.Framework, classifier.Options{
		AgentName:  cfg.Orchestrator.AgentName,
		Priority:   cfg.Orchestrator.ClassifyPriority,
		Categories: registry.Categories,
	}, logger)

	// 8. Orchestrator
	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		States:     components.States,
		Classifier: cls,
		Tools:      registry,
		Remote:     components.Framework,
		Masker:     masker,
		Cache:      components.Cache,
		FastPath:   fp,
		Patterns:   components.Patterns,
		Notifier:   components.Notifier,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	// 9. Maintenance jobs
	components.Scheduler = scheduler.New(logger)
	if err := components.registerJobs(); err != nil {
		initializationErr = err
		return nil, initializationErr
	}

	logger.Info("All components initialized successfully.",
		zap.Bool("postgres", pool != nil),
		zap.Bool("redis", rdb != nil),
		zap.Int("patterns", components.Patterns.Table().Len()))
	return components, nil
}

func (c *Components) registerJobs() error {
	cfg := c.Config
	if c.DLQ != nil {
		err := c.Scheduler.Add(scheduler.Job{
			Name:    JobDLQSweep,
			Spec:    cfg.Resilience.DLQ.SweepSchedule,
			Timeout: cfg.Resilience.Breaker.CallTimeout * time.Duration(cfg.Resilience.DLQ.SweepBatch+1),
			Run: func(ctx context.Context) error {
				_, err := c.SweepDeadLetters(ctx)
				return err
			},
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", JobDLQSweep, err)
		}
	}
	err := c.Scheduler.Add(scheduler.Job{
		Name:    JobPatternRefresh,
		Spec:    cfg.Patterns.RefreshSchedule,
		Timeout: cfg.Resilience.Breaker.CallTimeout,
		Run:     c.Patterns.Reload,
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", JobPatternRefresh, err)
	}
	return nil
}
