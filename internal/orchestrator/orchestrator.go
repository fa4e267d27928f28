// File: internal/orchestrator/orchestrator.go
// Description: Runs every query through the fixed pipeline FAST_PATH, CLASSIFY,
// TOOL_EXEC, SYNTHESIZE, MASK, RECORD_FEEDBACK. Collaborators are injected so
// the pipeline can be exercised with in-memory stores and mock providers.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/cache"
	"github.com/xkilldash9x/querycore/internal/classifier"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/fastpath"
	"github.com/xkilldash9x/querycore/internal/masking"
	"github.com/xkilldash9x/querycore/internal/patterns"
	"github.com/xkilldash9x/querycore/internal/resilience"
	"github.com/xkilldash9x/querycore/internal/state"
	"github.com/xkilldash9x/querycore/internal/tools"
)

var (
	// ErrRunCancelled is the cancellation cause of a run stopped through Cancel
	// or by its caller.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrRunTimeout is the cause of a run that exceeded the hard run timeout.
	ErrRunTimeout = errors.New("run exceeded its time budget")
)

const cancelledText = "Your request was cancelled."

// Remote is the failure-handling facade every remote model call goes through.
type Remote interface {
	classifier.Remote
	Degraded() bool
}

// Deps are the collaborators of the orchestrator. Cache, FastPath, Patterns
// and Notifier are optional.
type Deps struct {
	States     *state.Manager
	Classifier *classifier.Classifier
	Tools      *tools.Registry
	Remote     Remote
	Masker     *masking.Masker
	Cache      *cache.Cache
	FastPath   *fastpath.Matcher
	Patterns   *patterns.Store
	Notifier   patterns.Notifier
}

// Orchestrator implements schemas.Orchestrator.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	deps   Deps
	logger *zap.Logger

	mu sync.Mutex
	// runs holds the cancel functions of in-flight runs by session and run id.
	runs map[string]map[string]context.CancelCauseFunc
	// background counts runs still executing, including those whose caller
	// already received a soft-deadline answer.
	background sync.WaitGroup
}

var _ schemas.Orchestrator = (*Orchestrator)(nil)

// New validates the dependencies and returns an orchestrator.
func New(cfg config.OrchestratorConfig, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.States == nil || deps.Classifier == nil || deps.Tools == nil || deps.Remote == nil || deps.Masker == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator configuration: %w", err)
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("orchestrator"),
		runs:   make(map[string]map[string]context.CancelCauseFunc),
	}, nil
}

// Process runs one query. The caller receives an answer no later than the
// soft deadline; a run still going at that point keeps executing in the
// background and its history is persisted as usual.
func (o *Orchestrator) Process(ctx context.Context, query, sessionID string, reqCtx schemas.RequestContext) *schemas.ProcessResult {
	if !reqCtx.UserLevel.Valid() {
		reqCtx.UserLevel = schemas.LevelBusiness
	}
	r := &run{
		id:        uuid.NewString(),
		sessionID: sessionID,
		query:     strings.TrimSpace(query),
		reqCtx:    reqCtx,
		start:     time.Now(),
	}
	if r.sessionID == "" {
		r.sessionID = "session-" + r.id
	}
	r.meta.RunID = r.id

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, o.cfg.RunTimeout, ErrRunTimeout)
	stopFollowingCaller := context.AfterFunc(ctx, func() { cancel(ErrRunCancelled) })
	o.track(r, cancel)

	done := make(chan *schemas.ProcessResult, 1)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer cancelTimeout()
		defer cancel(nil)
		defer o.untrack(r)
		done <- o.execute(runCtx, r)
	}()

	soft := time.NewTimer(o.cfg.SoftDeadline)
	defer soft.Stop()
	select {
	case res := <-done:
		stopFollowingCaller()
		return res
	case <-soft.C:
		// The caller is answered now; the run must outlive the caller's context.
		stopFollowingCaller()
		o.logger.Warn("Soft deadline reached, run continues in background.",
			zap.String("run_id", r.id), zap.String("session_id", r.sessionID))
		return &schemas.ProcessResult{
			Success:  false,
			Response: resilience.FallbackResponse(schemas.ErrorTimeout, reqCtx.UserLevel, schemas.KindRetryLater),
			Metadata: schemas.ProcessMetadata{
				RunID:          r.id,
				ErrorCode:      "soft_deadline",
				DurationMillis: time.Since(r.start).Milliseconds(),
			},
		}
	}
}

// Cancel aborts every in-flight run of sessionID. Their chains end in FAILED.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	runs := o.runs[sessionID]
	for _, cancel := range runs {
		cancel(ErrRunCancelled)
	}
	if len(runs) > 0 {
		o.logger.Info("Session cancelled.", zap.String("session_id", sessionID), zap.Int("runs", len(runs)))
	}
	return len(runs) > 0
}

// Wait blocks until every background run has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		o.background.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) track(r *run, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[r.sessionID] == nil {
		o.runs[r.sessionID] = make(map[string]context.CancelCauseFunc)
	}
	o.runs[r.sessionID][r.id] = cancel
}

// untrack removes a finished run. The session's versions leave the state
// arena once no run of it is active; they stay recoverable from the store.
func (o *Orchestrator) untrack(r *run) {
	o.mu.Lock()
	delete(o.runs[r.sessionID], r.id)
	idle := len(o.runs[r.sessionID]) == 0
	if idle {
		delete(o.runs, r.sessionID)
	}
	o.mu.Unlock()
	if idle {
		o.deps.States.Forget(r.sessionID)
	}
}
