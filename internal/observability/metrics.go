package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_queries_total",
			Help: "Total number of processed queries by exit stage and outcome",
		},
		[]string{"exit_stage", "success"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querycore_query_duration_seconds",
			Help:    "End-to-end query latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_provider_calls_total",
			Help: "Remote model calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_provider_tokens_total",
			Help: "Tokens consumed per provider",
		},
		[]string{"provider"},
	)

	ProviderCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_provider_cost_total",
			Help: "Accumulated cost per provider in configured currency units",
		},
		[]string{"provider"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querycore_breaker_state",
			Help: "Circuit state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querycore_retry_attempts_total",
			Help: "Total attempts made by the retry manager",
		},
	)

	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_recovery_total",
			Help: "Recovery strategies applied and whether they succeeded",
		},
		[]string{"strategy", "success"},
	)

	DLQOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_dlq_operations_total",
			Help: "Dead letter queue operations",
		},
		[]string{"op"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_cache_lookups_total",
			Help: "Semantic cache lookups by scope kind and result",
		},
		[]string{"scope", "result"},
	)

	DegradedMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querycore_degraded_mode",
			Help: "1 while the service runs in degraded mode",
		},
	)

	MaskingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_masking_total",
			Help: "Outbound masking results",
		},
		[]string{"result"},
	)

	PatternReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_pattern_reloads_total",
			Help: "Learned pattern table reloads",
		},
		[]string{"result"},
	)
)

// ServeMetrics exposes the default registry on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening.", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
