package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/llmclient"
	"github.com/xkilldash9x/querycore/internal/observability"
)

// Strategy names the step of the failure-handling chain that produced a result.
type Strategy string

const (
	StrategyPrimary  Strategy = "primary"
	StrategyRetry    Strategy = "retry"
	StrategyFailover Strategy = "failover"
	StrategyDLQ      Strategy = "dead_letter"
	StrategyFallback Strategy = "fallback"
)

// Result is returned by every resilience-wrapped call in place of an error.
// On failure Response holds a user-safe fallback text.
type Result struct {
	Strategy   Strategy
	Applied    []Strategy
	Success    bool
	Response   string
	Generation schemas.Generation
	ErrorType  schemas.ErrorType
	MessageID  string
	Err        error
}

// RetryFunc re-runs the failed operation.
type RetryFunc func(ctx context.Context) (schemas.Generation, error)

// DeadLetterStore is the part of the dead letter queue the framework needs.
type DeadLetterStore interface {
	Enqueue(ctx context.Context, msg schemas.DeadLetterMessage) (string, error)
	Depth(ctx context.Context) (int64, error)
}

// Call describes one remote generation made through the framework.
type Call struct {
	Operation string
	Request   schemas.GenerationRequest
	UserLevel schemas.UserLevel
	Kind      schemas.ResponseKind
	Priority  int
	// NoRetry skips the retry step, leaving failover as the first recovery.
	NoRetry bool
}

// Framework composes breaker, retry manager, dead letter queue and fallback
// handler into the single failure-handling facade used by every pipeline stage.
type Framework struct {
	agentName string
	breaker   *CircuitBreaker
	retry     *RetryManager
	dlq       DeadLetterStore
	fallback  *FallbackHandler
	logger    *zap.Logger

	errMu       sync.Mutex
	recent      []recentError
	errorWindow time.Duration
	now         func() time.Time
}

type recentError struct {
	at  time.Time
	typ schemas.ErrorType
}

// NewFramework wires the components. dlq may be nil, in which case exhausted
// operations go straight to the fallback.
func NewFramework(agentName string, breaker *CircuitBreaker, retry *RetryManager, dlq DeadLetterStore, fallback *FallbackHandler, cfg config.ResilienceConfig, logger *zap.Logger) *Framework {
	window := cfg.Degraded.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Framework{
		agentName:   agentName,
		breaker:     breaker,
		retry:       retry,
		dlq:         dlq,
		fallback:    fallback,
		logger:      logger.Named("resilience"),
		errorWindow: window,
		now:         time.Now,
	}
}

// Breaker exposes the breaker for health reporting and outcome reports.
func (f *Framework) Breaker() *CircuitBreaker { return f.breaker }

// Fallback exposes the fallback handler.
func (f *Framework) Fallback() *FallbackHandler { return f.fallback }

// Degraded reports whether the process is in degraded mode.
func (f *Framework) Degraded() bool { return f.fallback.Degraded() }

// Do makes the primary call through the breaker and, on failure, resolves it
// through HandleFailure. It never panics and never returns a bare error.
func (f *Framework) Do(ctx context.Context, call Call) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Recovered from panic in resilient call.", zap.String("operation", call.Operation), zap.Any("panic", r))
			res = f.fallbackResult(schemas.ErrorAPI, call.UserLevel, call.Kind, fmt.Errorf("panic: %v", r), []Strategy{StrategyPrimary})
		}
	}()

	gen, err := f.breaker.Call(ctx, call.Request)
	if err == nil {
		f.fallback.RecordOutcome(true)
		return Result{
			Strategy:   StrategyPrimary,
			Applied:    []Strategy{StrategyPrimary},
			Success:    true,
			Response:   gen.Text,
			Generation: gen,
		}
	}

	original, _ := json.Marshal(call.Request)
	fc := schemas.FailureContext{
		AgentName:       f.agentName,
		Operation:       call.Operation,
		ErrorType:       Classify(err),
		ErrorMessage:    err.Error(),
		Timestamp:       f.now().UTC(),
		UserLevel:       call.UserLevel,
		Kind:            call.Kind,
		Priority:        call.Priority,
		OriginalRequest: original,
	}
	f.logger.Warn("Remote call failed.",
		zap.String("operation", call.Operation),
		zap.String("error_type", string(fc.ErrorType)),
		zap.Error(err))

	var retry RetryFunc
	if !call.NoRetry {
		retry = func(ctx context.Context) (schemas.Generation, error) {
			return f.breaker.Call(ctx, call.Request)
		}
	}
	return f.handle(ctx, fc, retry, err, []Strategy{StrategyPrimary})
}

// HandleFailure resolves one failure in the order retry, failover, dead
// letter, fallback. The fallback text is always returned immediately; the
// dead letter is reprocessed asynchronously.
func (f *Framework) HandleFailure(ctx context.Context, fc schemas.FailureContext, retry RetryFunc) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Recovered from panic while handling failure.", zap.Any("panic", r))
			res = f.fallbackResult(fc.ErrorType, fc.UserLevel, fc.Kind, fmt.Errorf("panic: %v", r), nil)
		}
	}()
	return f.handle(ctx, fc, retry, errors.New(fc.ErrorMessage), nil)
}

func (f *Framework) handle(ctx context.Context, fc schemas.FailureContext, retry RetryFunc, lastErr error, applied []Strategy) Result {
	f.noteError(fc.ErrorType)

	if !fc.ErrorType.Retryable() {
		// The request itself is at fault; no other attempt or provider can fix it.
		f.fallback.RecordOutcome(false)
		return f.fallbackResult(fc.ErrorType, fc.UserLevel, fc.Kind, lastErr, applied)
	}

	// (a) Retry with backoff.
	if retry != nil && ctx.Err() == nil {
		applied = append(applied, StrategyRetry)
		gen, err := Retry(ctx, f.retry, func(ctx context.Context) (schemas.Generation, error) { return retry(ctx) })
		if err == nil {
			return f.recovered(StrategyRetry, gen, applied)
		}
		lastErr = err
		fc.ErrorType = Classify(err)
		fc.ErrorMessage = err.Error()
		observability.RecoveryOutcomes.WithLabelValues(string(StrategyRetry), "false").Inc()
	}

	// (b) Failover to the next healthy provider.
	var req schemas.GenerationRequest
	if len(fc.OriginalRequest) > 0 && json.Unmarshal(fc.OriginalRequest, &req) == nil && ctx.Err() == nil {
		applied = append(applied, StrategyFailover)
		gen, err := f.breaker.Failover(ctx, req, failedProviders(lastErr)...)
		if err == nil {
			return f.recovered(StrategyFailover, gen, applied)
		}
		if t := Classify(lastErr); errors.Is(err, ErrAllProvidersOpen) && !errors.Is(lastErr, ErrAllProvidersOpen) {
			// Keep the category of the last real provider failure.
			fc.ErrorType = t
		} else {
			fc.ErrorType = Classify(err)
		}
		lastErr = err
		fc.ErrorMessage = err.Error()
		observability.RecoveryOutcomes.WithLabelValues(string(StrategyFailover), "false").Inc()
	}
	f.fallback.RecordOutcome(false)

	// (c) Dead letter for asynchronous reprocessing.
	// A caller that gave up does not want the work replayed.
	var messageID string
	if f.dlq != nil && !errors.Is(ctx.Err(), context.Canceled) {
		enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		id, err := f.dlq.Enqueue(enqueueCtx, schemas.DeadLetterMessage{
			AgentName:    fc.AgentName,
			Operation:    fc.Operation,
			Payload:      fc.OriginalRequest,
			ErrorType:    fc.ErrorType,
			ErrorMessage: fc.ErrorMessage,
			Priority:     fc.Priority,
			Attempts:     0,
		})
		cancel()
		if err != nil {
			f.logger.Error("Failed to enqueue dead letter.", zap.String("operation", fc.Operation), zap.Error(err))
		} else {
			messageID = id
			applied = append(applied, StrategyDLQ)
		}
	}

	// (d) Fallback.
	res := f.fallbackResult(fc.ErrorType, fc.UserLevel, fc.Kind, lastErr, applied)
	res.MessageID = messageID
	if messageID != "" {
		res.Strategy = StrategyDLQ
	}
	return res
}

func (f *Framework) recovered(s Strategy, gen schemas.Generation, applied []Strategy) Result {
	f.fallback.RecordOutcome(true)
	observability.RecoveryOutcomes.WithLabelValues(string(s), "true").Inc()
	f.logger.Info("Remote call recovered.", zap.String("strategy", string(s)), zap.String("provider", gen.Provider))
	return Result{
		Strategy:   s,
		Applied:    applied,
		Success:    true,
		Response:   gen.Text,
		Generation: gen,
	}
}

func (f *Framework) fallbackResult(t schemas.ErrorType, level schemas.UserLevel, kind schemas.ResponseKind, err error, applied []Strategy) Result {
	if t == "" {
		t = schemas.ErrorAPI
	}
	observability.RecoveryOutcomes.WithLabelValues(string(StrategyFallback), "false").Inc()
	return Result{
		Strategy:  StrategyFallback,
		Applied:   append(applied, StrategyFallback),
		Success:   false,
		Response:  f.fallback.Response(t, level, kind),
		ErrorType: t,
		Err:       err,
	}
}

// failedProviders extracts the provider names named by err.
func failedProviders(err error) []string {
	var perr *llmclient.ProviderError
	if errors.As(err, &perr) && perr.Provider != "" {
		return []string{perr.Provider}
	}
	return nil
}

func (f *Framework) noteError(t schemas.ErrorType) {
	now := f.now()
	f.errMu.Lock()
	defer f.errMu.Unlock()
	f.recent = append(f.recent, recentError{at: now, typ: t})
	f.pruneErrors(now)
}

// pruneErrors drops errors older than the window. The caller holds errMu.
func (f *Framework) pruneErrors(now time.Time) {
	cutoff := now.Add(-f.errorWindow)
	i := 0
	for i < len(f.recent) && f.recent[i].at.Before(cutoff) {
		i++
	}
	f.recent = f.recent[i:]
}

// RecentErrors counts failures per category over the error window.
func (f *Framework) RecentErrors() map[schemas.ErrorType]int {
	now := f.now()
	f.errMu.Lock()
	defer f.errMu.Unlock()
	f.pruneErrors(now)
	out := make(map[schemas.ErrorType]int, len(schemas.ErrorTypes))
	for _, t := range schemas.ErrorTypes {
		out[t] = 0
	}
	for _, e := range f.recent {
		out[e.typ]++
	}
	return out
}

// Reprocess replays a dead letter through the breaker. It is the sweep's
// ReprocessFunc.
func (f *Framework) Reprocess(ctx context.Context, msg schemas.DeadLetterMessage) error {
	var req schemas.GenerationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return WithType(schemas.ErrorValidation, fmt.Errorf("undecodable payload: %w", err))
	}
	gen, err := f.breaker.Call(ctx, req)
	if err != nil {
		return err
	}
	f.logger.Info("Dead letter reprocessed.",
		zap.String("id", msg.ID),
		zap.String("operation", msg.Operation),
		zap.String("provider", gen.Provider),
		zap.Int("attempts", msg.Attempts))
	return nil
}

// Health builds the monitoring view over the resilience layer.
func (f *Framework) Health(ctx context.Context) schemas.HealthReport {
	report := schemas.HealthReport{
		Providers:    f.breaker.Snapshot(),
		Retry:        f.retry.Stats(),
		RecentErrors: f.RecentErrors(),
		Degraded:     f.fallback.Degraded(),
		GeneratedAt:  f.now().UTC(),
	}
	if f.dlq != nil {
		depth, err := f.dlq.Depth(ctx)
		if err != nil {
			f.logger.Warn("Could not read dead letter depth.", zap.Error(err))
			depth = -1
		}
		report.DLQDepth = depth
	}
	return report
}
