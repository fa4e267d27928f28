package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/llmclient"
	"github.com/xkilldash9x/querycore/internal/observability"
)

// providerRecord is the breaker-owned health record of one provider. Every
// field is guarded by mu.
type providerRecord struct {
	mu sync.Mutex

	client   schemas.LLMClient
	name     string
	priority int
	order    int

	health      schemas.ProviderHealth
	consecutive int
	streakStart time.Time
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
}

// candidate is one entry of a selection snapshot.
type candidate struct {
	rec    *providerRecord
	health schemas.ProviderHealth
}

// CircuitBreaker routes calls to the highest-priority healthy provider and
// opens a provider's circuit after a streak of failures. Callers interact
// with it only through Call, Failover, ReportOutcome and Snapshot.
type CircuitBreaker struct {
	records     []*providerRecord
	byName      map[string]*providerRecord
	threshold   int
	window      time.Duration
	coolDown    time.Duration
	callTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker registers the providers. Lower priority values win.
func NewCircuitBreaker(regs []llmclient.Registration, cfg config.BreakerConfig, logger *zap.Logger, opts ...BreakerOption) (*CircuitBreaker, error) {
	if len(regs) == 0 {
		return nil, ErrNoProviders
	}
	cb := &CircuitBreaker{
		byName:      make(map[string]*providerRecord, len(regs)),
		threshold:   cfg.FailureThreshold,
		window:      cfg.FailureWindow,
		coolDown:    cfg.CoolDown,
		callTimeout: cfg.CallTimeout,
		now:         time.Now,
		logger:      logger.Named("breaker"),
	}
	if cb.threshold <= 0 {
		cb.threshold = 1
	}
	for i, reg := range regs {
		name := reg.Client.Name()
		if _, dup := cb.byName[name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		rec := &providerRecord{
			client:   reg.Client,
			name:     name,
			priority: reg.Priority,
			order:    i,
			health:   schemas.HealthClosed,
		}
		cb.records = append(cb.records, rec)
		cb.byName[name] = rec
		observability.BreakerState.WithLabelValues(name).Set(0)
	}
	for _, o := range opts {
		o(cb)
	}
	return cb, nil
}

func healthRank(h schemas.ProviderHealth) int {
	switch h {
	case schemas.HealthClosed:
		return 0
	case schemas.HealthHalfOpen:
		return 1
	default:
		return 2
	}
}

func healthGauge(h schemas.ProviderHealth) float64 {
	switch h {
	case schemas.HealthHalfOpen:
		return 1
	case schemas.HealthOpen:
		return 2
	}
	return 0
}

// refresh moves an OPEN record to HALF_OPEN once its cool-down elapsed.
// The caller holds rec.mu.
func (cb *CircuitBreaker) refresh(rec *providerRecord, now time.Time) {
	if rec.health == schemas.HealthOpen && now.Sub(rec.openedAt) >= cb.coolDown {
		rec.health = schemas.HealthHalfOpen
		rec.probing = false
		observability.BreakerState.WithLabelValues(rec.name).Set(healthGauge(rec.health))
		cb.logger.Info("Provider circuit half-open.", zap.String("provider", rec.name))
	}
}

// selection returns every callable provider ordered by (priority, health),
// registration order breaking ties.
func (cb *CircuitBreaker) selection() []candidate {
	now := cb.now()
	out := make([]candidate, 0, len(cb.records))
	for _, rec := range cb.records {
		rec.mu.Lock()
		cb.refresh(rec, now)
		h := rec.health
		busy := h == schemas.HealthHalfOpen && rec.probing
		rec.mu.Unlock()
		if h == schemas.HealthOpen || busy {
			continue
		}
		out = append(out, candidate{rec: rec, health: h})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.rec.priority != b.rec.priority {
			return a.rec.priority < b.rec.priority
		}
		return healthRank(a.health) < healthRank(b.health)
	})
	return out
}

// admit claims a record for one call. A HALF_OPEN record admits a single probe.
func (cb *CircuitBreaker) admit(rec *providerRecord) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	cb.refresh(rec, cb.now())
	switch rec.health {
	case schemas.HealthClosed:
		return true
	case schemas.HealthHalfOpen:
		if rec.probing {
			return false
		}
		rec.probing = true
		return true
	}
	return false
}

// Call invokes the highest-priority provider that is not OPEN.
func (cb *CircuitBreaker) Call(ctx context.Context, req schemas.GenerationRequest) (schemas.Generation, error) {
	for _, c := range cb.selection() {
		if !cb.admit(c.rec) {
			continue
		}
		return cb.invoke(ctx, c.rec, req)
	}
	return schemas.Generation{}, ErrAllProvidersOpen
}

// Failover tries every remaining callable provider, in selection order,
// skipping the names in tried. It returns the first success; when every
// candidate fails or none is callable the result wraps ErrAllProvidersOpen.
func (cb *CircuitBreaker) Failover(ctx context.Context, req schemas.GenerationRequest, tried ...string) (schemas.Generation, error) {
	skip := make(map[string]struct{}, len(tried))
	for _, t := range tried {
		skip[t] = struct{}{}
	}

	var lastErr error
	for _, c := range cb.selection() {
		if _, ok := skip[c.rec.name]; ok {
			continue
		}
		if ctx.Err() != nil {
			return schemas.Generation{}, ctx.Err()
		}
		if !cb.admit(c.rec) {
			continue
		}
		gen, err := cb.invoke(ctx, c.rec, req)
		if err == nil {
			return gen, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return schemas.Generation{}, fmt.Errorf("%w: last error: %w", ErrAllProvidersOpen, lastErr)
	}
	return schemas.Generation{}, ErrAllProvidersOpen
}

func (cb *CircuitBreaker) invoke(ctx context.Context, rec *providerRecord, req schemas.GenerationRequest) (schemas.Generation, error) {
	callCtx := ctx
	if cb.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.callTimeout)
		defer cancel()
	}

	gen, err := rec.client.Generate(callCtx, req)
	if err == nil {
		observability.ProviderTokens.WithLabelValues(rec.name).Add(float64(gen.TotalTokens))
		observability.ProviderCost.WithLabelValues(rec.name).Add(gen.Cost)
		if gen.Provider == "" {
			gen.Provider = rec.name
		}
	} else if ctx.Err() != nil {
		// The caller gave up; that says nothing about the provider.
		cb.release(rec)
		return gen, err
	}
	cb.report(rec, err)
	return gen, err
}

// release drops a half-open probe claim without recording an outcome.
func (cb *CircuitBreaker) release(rec *providerRecord) {
	rec.mu.Lock()
	rec.probing = false
	rec.mu.Unlock()
}

// ReportOutcome feeds the circuit of the named provider with the result of a
// call that reached its client directly instead of through Call or Failover.
// Unknown names are ignored. Dead letter reprocessing goes through Call and
// needs no report.
func (cb *CircuitBreaker) ReportOutcome(name string, err error) {
	rec, ok := cb.byName[name]
	if !ok {
		return
	}
	cb.report(rec, err)
}

func (cb *CircuitBreaker) report(rec *providerRecord, err error) {
	now := cb.now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.probing = false

	if err == nil {
		observability.ProviderCalls.WithLabelValues(rec.name, "success").Inc()
		if rec.health != schemas.HealthClosed {
			cb.logger.Info("Provider circuit closed.", zap.String("provider", rec.name))
		}
		rec.health = schemas.HealthClosed
		rec.consecutive = 0
		rec.streakStart = time.Time{}
		observability.BreakerState.WithLabelValues(rec.name).Set(0)
		return
	}

	errType := Classify(err)
	observability.ProviderCalls.WithLabelValues(rec.name, string(errType)).Inc()
	if errType == schemas.ErrorValidation {
		// A rejected request is not evidence of an unhealthy provider.
		return
	}

	rec.lastFailure = now
	if rec.health == schemas.HealthHalfOpen {
		cb.open(rec, now, err)
		return
	}
	if rec.consecutive == 0 || (cb.window > 0 && now.Sub(rec.streakStart) > cb.window) {
		rec.consecutive = 0
		rec.streakStart = now
	}
	rec.consecutive++
	if rec.consecutive >= cb.threshold && rec.health == schemas.HealthClosed {
		cb.open(rec, now, err)
	}
}

// open trips the circuit. The caller holds rec.mu.
func (cb *CircuitBreaker) open(rec *providerRecord, now time.Time, cause error) {
	rec.health = schemas.HealthOpen
	rec.openedAt = now
	observability.BreakerState.WithLabelValues(rec.name).Set(2)
	cb.logger.Warn("Provider circuit opened.",
		zap.String("provider", rec.name),
		zap.Int("consecutive_failures", rec.consecutive),
		zap.Error(cause))
}

// Snapshot returns every provider's status in selection order, OPEN providers last.
func (cb *CircuitBreaker) Snapshot() []schemas.ProviderStatus {
	now := cb.now()
	out := make([]schemas.ProviderStatus, 0, len(cb.records))
	for _, rec := range cb.records {
		rec.mu.Lock()
		cb.refresh(rec, now)
		out = append(out, schemas.ProviderStatus{
			Name:                rec.name,
			Priority:            rec.priority,
			Health:              rec.health,
			ConsecutiveFailures: rec.consecutive,
			LastFailureAt:       rec.lastFailure,
		})
		rec.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := healthRank(out[i].Health), healthRank(out[j].Health)
		if (ri == 2) != (rj == 2) {
			return rj == 2
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return ri < rj
	})
	return out
}

// Providers returns the registered provider names in registration order.
func (cb *CircuitBreaker) Providers() []string {
	names := make([]string, len(cb.records))
	for i, rec := range cb.records {
		names[i] = rec.name
	}
	return names
}
