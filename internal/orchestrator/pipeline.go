package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/llmutil"
	"github.com/xkilldash9x/querycore/internal/observability"
	"github.com/xkilldash9x/querycore/internal/patterns"
	"github.com/xkilldash9x/querycore/internal/resilience"
	"github.com/xkilldash9x/querycore/internal/state"
	"github.com/xkilldash9x/querycore/internal/tools"
)

// Error codes reported in ProcessMetadata.ErrorCode for aborted runs.
const (
	CodeCancelled        = "cancelled"
	CodeTimeout          = "timeout"
	CodeUnmappedCategory = "unmapped_category"
	CodeLeakPrevented    = "leak_prevented"
	CodeStatePersistence = "state_persistence"
	CodeInternal         = "internal"
)

// Event types appended to a run's chain, one per transition.
const (
	EventFastPath      = "fast_path_matched"
	EventClassified    = "classified"
	EventToolsExecuted = "tools_executed"
	EventSynthesized   = "synthesized"
	EventMasked        = "masked"
	EventFeedback      = "feedback_recorded"
	EventRunFailed     = "run_failed"
)

// Masking outcomes, used as the metric label.
const (
	maskClean       = "clean"
	maskSubstituted = "substituted"
	maskRegenerated = "regenerated"
	maskRedacted    = "redacted"
	maskBlocked     = "blocked"
	maskBypassed    = "bypassed"
)

// synthesisScope prefixes the cache scope of synthesized answers.
const synthesisScope = "synthesize"

// persistTimeout bounds the write of a FAILED version after the run context
// is already gone.
const persistTimeout = 5 * time.Second

// run is the mutable working set of one pipeline execution. It is owned by
// the goroutine executing the run.
type run struct {
	id        string
	sessionID string
	query     string
	reqCtx    schemas.RequestContext
	start     time.Time

	stage    schemas.Stage
	stateID  string
	meta     schemas.ProcessMetadata
	seen     map[string]bool
	response string
	success  bool

	classification schemas.Classification
	direct         bool
	// synthesis is set when response came from a remote synthesis call and
	// can be regenerated.
	synthesis *schemas.GenerationRequest
	results   []schemas.ToolResult
}

// runError aborts a run with a FAILED terminal version.
type runError struct {
	code string
	err  error
}

func (e *runError) Error() string { return e.code + ": " + e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &runError{code: code, err: err} }

// checkpoint turns a done run context into the abort it stands for.
func checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrRunTimeout) {
		return fail(CodeTimeout, cause)
	}
	return fail(CodeCancelled, cause)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (res *schemas.ProcessResult) {
	logger := o.logger.With(observability.RunFields(r.id, r.sessionID)...)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered from panic in pipeline.", zap.Any("panic", p), zap.Stack("stack"))
			res = o.abort(ctx, r, fail(CodeInternal, fmt.Errorf("panic: %v", p)), logger)
		}
		r.meta.DurationMillis = time.Since(r.start).Milliseconds()
		res.Metadata = r.meta
		observability.QueriesTotal.WithLabelValues(string(r.meta.ExitStage), strconv.FormatBool(res.Success)).Inc()
		observability.QueryDuration.Observe(time.Since(r.start).Seconds())
	}()

	if err := o.pipeline(ctx, r, logger); err != nil {
		return o.abort(ctx, r, err, logger)
	}
	logger.Info("Query processed.",
		zap.String("exit_stage", string(r.meta.ExitStage)),
		zap.Bool("success", r.success),
		zap.Int("remote_calls", r.meta.RemoteCalls))
	return &schemas.ProcessResult{Success: r.success, Response: r.response}
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run, logger *zap.Logger) error {
	r.stage = schemas.StageFastPath
	st, err := o.deps.States.Create(ctx, o.cfg.AgentName, r.sessionID,
		map[string]any{"query": r.query},
		state.WithUser(r.reqCtx.UserID),
		state.WithContext(map[string]any{"user_level": string(r.reqCtx.UserLevel), "run_id": r.id}))
	if err != nil {
		return fail(CodeStatePersistence, err)
	}
	r.stateID, r.meta.StateID = st.StateID, st.StateID

	if rule, ok := o.deps.FastPath.Match(r.query); ok {
		r.response, r.success = rule.Response, true
		r.meta.ExitStage, r.meta.FastPathRule = schemas.StageFastPath, rule.Name
		logger.Debug("Fast path matched.", zap.String("rule", rule.Name))
		return o.advance(ctx, r, state.Changes{
			Status:    schemas.StatusCompleted,
			Data:      map[string]any{"response": r.response, "exit_stage": string(schemas.StageFastPath)},
			EventType: EventFastPath,
			EventData: map[string]any{"rule": rule.Name, "kind": rule.Kind},
		})
	}

	if err := o.classify(ctx, r); err != nil {
		return err
	}
	if r.response == "" {
		if !o.cachedSynthesis(ctx, r, logger) {
			if err := o.executeTools(ctx, r, logger); err != nil {
				return err
			}
			if err := o.synthesize(ctx, r, logger); err != nil {
				return err
			}
		}
	}
	if err := o.mask(ctx, r, logger); err != nil {
		return err
	}
	return o.recordFeedback(ctx, r, logger)
}

// advance persists the next version of the run's chain.
func (o *Orchestrator) advance(ctx context.Context, r *run, c state.Changes) error {
	if c.Status == "" {
		c.Status = schemas.StatusInProgress
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata["stage"] = string(r.stage)
	st, err := o.deps.States.Update(ctx, r.stateID, c, o.cfg.AgentName)
	if err != nil {
		if cerr := checkpoint(ctx); cerr != nil {
			return cerr
		}
		return fail(CodeStatePersistence, err)
	}
	r.stateID, r.meta.StateID = st.StateID, st.StateID
	return nil
}

// account folds one remote result into the run's metadata.
func (r *run) account(res resilience.Result) {
	r.meta.TokensUsed += res.Generation.TotalTokens
	r.meta.Cost += res.Generation.Cost
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	for _, s := range res.Applied {
		if !r.seen[string(s)] {
			r.seen[string(s)] = true
			r.meta.Strategies = append(r.meta.Strategies, string(s))
		}
	}
	if !res.Success {
		r.meta.ErrorCode = string(res.ErrorType)
	}
}

func (o *Orchestrator) classify(ctx context.Context, r *run) error {
	r.stage = schemas.StageClassify
	out := o.deps.Classifier.Classify(ctx, r.query, r.reqCtx)
	if err := checkpoint(ctx); err != nil {
		return err
	}
	cl := out.Classification
	r.classification = cl
	r.meta.RemoteCalls += out.RemoteCalls
	r.meta.TokensUsed += cl.TokensUsed
	r.meta.Cost += cl.Cost
	if out.RemoteCalls > 0 {
		// Tokens are taken from the classification, which keeps the usage of
		// replies that failed validation.
		res := out.Remote
		res.Generation = schemas.Generation{}
		r.account(res)
	}
	r.meta.Category, r.meta.Confidence, r.meta.Source = cl.Category, cl.Confidence, cl.Source

	switch {
	case out.Fallback:
		r.response, r.success = out.Remote.Response, false
		r.meta.ExitStage = schemas.StageClassify
	case cl.DirectResponse != "" && (cl.Confidence >= o.cfg.DirectResponseConfidence || cl.Category == ""):
		r.response, r.success, r.direct = cl.DirectResponse, true, true
		r.meta.ExitStage = schemas.StageClassify
	}

	data := map[string]any{"classification": map[string]any{
		"category":   cl.Category,
		"confidence": cl.Confidence,
		"source":     string(cl.Source),
		"pattern_id": cl.PatternID,
	}}
	return o.advance(ctx, r, state.Changes{
		Data:      data,
		EventType: EventClassified,
		EventData: map[string]any{"source": string(cl.Source), "fallback": out.Fallback, "direct": r.direct},
	})
}

func (r *run) synthesisScope() string {
	user := r.reqCtx.UserID
	if user == "" {
		user = "anonymous"
	}
	return synthesisScope + ":" + r.classification.Category + ":" + user
}

type cachedAnswer struct {
	Response string `json:"response"`
}

// cachedSynthesis answers from the cache when an identical question in the
// same category was already synthesized for this user.
func (o *Orchestrator) cachedSynthesis(ctx context.Context, r *run, logger *zap.Logger) bool {
	hit, ok, err := o.deps.Cache.Get(ctx, r.query, r.synthesisScope())
	if err != nil {
		logger.Warn("Synthesis cache lookup failed.", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	var ans cachedAnswer
	if err := hit.Decode(&ans); err != nil || ans.Response == "" {
		return false
	}
	r.response, r.success = ans.Response, true
	logger.Debug("Answered from synthesis cache.", zap.Bool("semantic", hit.Semantic))
	return true
}

// cacheAnswer stores the synthesized answer. Queries routed by a learned
// pattern are known to recur and get the warm TTL.
func (o *Orchestrator) cacheAnswer(ctx context.Context, r *run, logger *zap.Logger) {
	ans := cachedAnswer{Response: r.response}
	var err error
	if r.classification.Source == schemas.SourcePattern {
		err = o.deps.Cache.Warm(ctx, r.query, r.synthesisScope(), ans)
	} else {
		err = o.deps.Cache.Set(ctx, r.query, r.synthesisScope(), ans, 0)
	}
	if err != nil {
		logger.Warn("Failed to cache synthesized answer.", zap.Error(err))
	}
}

func (o *Orchestrator) executeTools(ctx context.Context, r *run, logger *zap.Logger) error {
	r.stage = schemas.StageToolExec
	set, err := o.deps.Tools.ToolsFor(r.classification.Category)
	if err != nil {
		return fail(CodeUnmappedCategory, err)
	}
	r.results = tools.Execute(ctx, set, r.query, r.reqCtx, o.cfg.ToolTimeout, o.cfg.ToolConcurrency, logger)
	if err := checkpoint(ctx); err != nil {
		return err
	}

	summary := make([]any, len(r.results))
	failed := 0
	for i, res := range r.results {
		if res.Failed() {
			failed++
		}
		summary[i] = map[string]any{
			"name":        res.Name,
			"ok":          !res.Failed(),
			"error":       res.Error,
			"duration_ms": res.Duration.Milliseconds(),
		}
	}
	return o.advance(ctx, r, state.Changes{
		Data:      map[string]any{"tools": summary},
		EventType: EventToolsExecuted,
		EventData: map[string]any{"count": len(r.results), "failed": failed},
	})
}

func (o *Orchestrator) synthesize(ctx context.Context, r *run, logger *zap.Logger) error {
	r.stage = schemas.StageSynthesize
	degraded := o.deps.Remote.Degraded()

	if degraded {
		r.response, r.success = plainSummary(r.results), true
		r.meta.Degraded = true
		logger.Info("Degraded mode, answering with a plain summary.")
	} else {
		req := synthesisRequest(r.query, r.classification.Category, r.results)
		res := o.deps.Remote.Do(ctx, resilience.Call{
			Operation: "synthesize",
			Request:   req,
			UserLevel: r.reqCtx.UserLevel,
			Kind:      schemas.KindSynthesize,
			Priority:  o.cfg.SynthesizePriority,
		})
		r.meta.RemoteCalls++
		r.account(res)
		if err := checkpoint(ctx); err != nil {
			return err
		}
		r.response, r.success = res.Response, res.Success
		if res.Success {
			r.response = llmutil.CleanText(res.Response)
			r.synthesis = &req
			if allSucceeded(r.results) {
				o.cacheAnswer(ctx, r, logger)
			}
		}
	}

	return o.advance(ctx, r, state.Changes{
		Data:      map[string]any{"synthesized": r.success},
		EventType: EventSynthesized,
		EventData: map[string]any{"success": r.success, "degraded": degraded},
	})
}

func allSucceeded(results []schemas.ToolResult) bool {
	for _, r := range results {
		if r.Failed() {
			return false
		}
	}
	return true
}

// mask enforces that no forbidden vocabulary reaches a non-technical caller.
func (o *Orchestrator) mask(ctx context.Context, r *run, logger *zap.Logger) error {
	r.stage = schemas.StageMask
	outcome := maskBypassed
	if r.reqCtx.UserLevel != schemas.LevelTechnical {
		var err error
		outcome, err = o.applyMask(ctx, r, logger)
		observability.MaskingOutcomes.WithLabelValues(outcome).Inc()
		if err != nil {
			return err
		}
		r.meta.Masked = true
	} else {
		observability.MaskingOutcomes.WithLabelValues(outcome).Inc()
	}
	return o.advance(ctx, r, state.Changes{
		EventType: EventMasked,
		EventData: map[string]any{"outcome": outcome},
	})
}

func (o *Orchestrator) applyMask(ctx context.Context, r *run, logger *zap.Logger) (string, error) {
	m := o.deps.Masker
	res, err := m.Mask(r.response)
	if err == nil {
		r.response = res.Text
		if res.Replacements > 0 {
			return maskSubstituted, nil
		}
		return maskClean, nil
	}

	tokens := m.Leaks(res.Text)
	if m.Strict() {
		logger.Warn("Response withheld, forbidden vocabulary survived masking.", zap.Strings("tokens", tokens))
		return maskBlocked, fail(CodeLeakPrevented, err)
	}

	if r.synthesis != nil {
		req := regenerationRequest(*r.synthesis, tokens)
		again := o.deps.Remote.Do(ctx, resilience.Call{
			Operation: "synthesize",
			Request:   req,
			UserLevel: r.reqCtx.UserLevel,
			Kind:      schemas.KindSynthesize,
			Priority:  o.cfg.SynthesizePriority,
			NoRetry:   true,
		})
		r.meta.RemoteCalls++
		r.account(again)
		if err := checkpoint(ctx); err != nil {
			return maskBlocked, err
		}
		if again.Success {
			if res, err := m.Mask(llmutil.CleanText(again.Response)); err == nil {
				r.response = res.Text
				return maskRegenerated, nil
			}
		}
	}

	logger.Warn("Redacting vocabulary that survived masking.", zap.Strings("tokens", tokens))
	r.response = m.Redact(r.response).Text
	return maskRedacted, nil
}

func (o *Orchestrator) recordFeedback(ctx context.Context, r *run, logger *zap.Logger) error {
	r.stage = schemas.StageRecordFeedback
	if r.meta.ExitStage == "" {
		r.meta.ExitStage = schemas.StageEnd
	}
	cl := r.classification

	if cl.PatternID != 0 && o.deps.Patterns != nil {
		if err := o.deps.Patterns.RecordUsage(ctx, cl.PatternID, r.success); err != nil {
			logger.Warn("Failed to record pattern usage.", zap.Int64("pattern_id", cl.PatternID), zap.Error(err))
		}
	}

	var learned int64
	if o.shouldLearn(r) {
		id, err := o.deps.Patterns.Learn(ctx, r.query, cl.Category, cl.Confidence)
		if err != nil {
			logger.Warn("Failed to learn pattern.", zap.Error(err))
		} else {
			learned = id
			// The pattern owns this query now.
			if err := o.deps.Classifier.Forget(ctx, r.query); err != nil {
				logger.Warn("Failed to drop cached classification.", zap.Error(err))
			}
			if o.deps.Notifier != nil {
				if err := o.deps.Notifier.Notify(ctx, patterns.ReloadOne(id)); err != nil {
					logger.Warn("Failed to publish pattern reload.", zap.Int64("pattern_id", id), zap.Error(err))
				}
			}
		}
	}

	return o.advance(ctx, r, state.Changes{
		Status: schemas.StatusCompleted,
		Data: map[string]any{
			"response":   r.response,
			"exit_stage": string(r.meta.ExitStage),
		},
		EventType: EventFeedback,
		EventData: map[string]any{
			"success":            r.success,
			"learned_pattern_id": learned,
		},
	})
}

// shouldLearn reports whether a confirmed remote classification is worth a
// pattern. Only categories with tools are learned.
func (o *Orchestrator) shouldLearn(r *run) bool {
	cl := r.classification
	return o.deps.Patterns != nil &&
		r.success && !r.direct &&
		cl.Source == schemas.SourceRemote &&
		cl.Confidence >= o.cfg.LearningThreshold &&
		o.deps.Tools.Has(cl.Category)
}

// abort persists a FAILED version and returns a user-safe result.
func (o *Orchestrator) abort(ctx context.Context, r *run, err error, logger *zap.Logger) *schemas.ProcessResult {
	var re *runError
	if !errors.As(err, &re) {
		re = &runError{code: CodeInternal, err: err}
	}
	r.meta.ErrorCode = re.code
	if r.meta.ExitStage == "" || r.meta.ExitStage == schemas.StageEnd {
		r.meta.ExitStage = r.stage
	}

	level := r.reqCtx.UserLevel
	var text string
	switch re.code {
	case CodeCancelled:
		text = cancelledText
	case CodeTimeout:
		text = resilience.FallbackResponse(schemas.ErrorTimeout, level, schemas.KindRetryLater)
	default:
		text = resilience.FallbackResponse(schemas.ErrorAPI, level, schemas.KindGeneric)
	}
	if re.code == CodeCancelled {
		logger.Info("Run cancelled.", zap.String("stage", string(r.stage)))
	} else {
		logger.Error("Run aborted.", zap.String("stage", string(r.stage)), zap.String("error_code", re.code), zap.Error(re.err))
	}

	if r.stateID != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		st, perr := o.deps.States.Update(pctx, r.stateID, state.Changes{
			Status:    schemas.StatusFailed,
			Metadata:  map[string]any{"stage": string(r.stage), "error_code": re.code},
			EventType: EventRunFailed,
			EventData: map[string]any{"error_code": re.code, "error": re.err.Error()},
		}, o.cfg.AgentName)
		if perr != nil {
			logger.Error("Failed to persist failed state.", zap.String("state_id", r.stateID), zap.Error(perr))
		} else {
			r.stateID, r.meta.StateID = st.StateID, st.StateID
		}
	}
	return &schemas.ProcessResult{Success: false, Response: text}
}
