package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/cache"
	"github.com/xkilldash9x/querycore/internal/classifier"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/events"
	"github.com/xkilldash9x/querycore/internal/fastpath"
	"github.com/xkilldash9x/querycore/internal/llmclient"
	"github.com/xkilldash9x/querycore/internal/masking"
	"github.com/xkilldash9x/querycore/internal/mocks"
	"github.com/xkilldash9x/querycore/internal/patterns"
	"github.com/xkilldash9x/querycore/internal/resilience"
	"github.com/xkilldash9x/querycore/internal/state"
	"github.com/xkilldash9x/querycore/internal/store"
	"github.com/xkilldash9x/querycore/internal/tools"
)

// -- Test Doubles --

// scriptedRemote answers each operation from its own queue and records calls.
// An exhausted queue yields an API_ERROR fallback.
type scriptedRemote struct {
	mu       sync.Mutex
	replies  map[string][]resilience.Result
	calls    []resilience.Call
	degraded bool
}

func newScriptedRemote() *scriptedRemote {
	return &scriptedRemote{replies: make(map[string][]resilience.Result)}
}

func (s *scriptedRemote) script(op string, results ...resilience.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[op] = append(s.replies[op], results...)
}

func (s *scriptedRemote) Do(_ context.Context, call resilience.Call) resilience.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	queue := s.replies[call.Operation]
	if len(queue) == 0 {
		return resilience.Result{
			Strategy:  resilience.StrategyFallback,
			Applied:   []resilience.Strategy{resilience.StrategyPrimary, resilience.StrategyFallback},
			Response:  resilience.FallbackResponse(schemas.ErrorAPI, call.UserLevel, call.Kind),
			ErrorType: schemas.ErrorAPI,
		}
	}
	s.replies[call.Operation] = queue[1:]
	return queue[0]
}

func (s *scriptedRemote) HandleFailure(_ context.Context, fc schemas.FailureContext, _ resilience.RetryFunc) resilience.Result {
	return resilience.Result{
		Strategy:  resilience.StrategyFallback,
		Applied:   []resilience.Strategy{resilience.StrategyFallback},
		Response:  resilience.FallbackResponse(fc.ErrorType, fc.UserLevel, fc.Kind),
		ErrorType: fc.ErrorType,
	}
}

func (s *scriptedRemote) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *scriptedRemote) recorded() []resilience.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]resilience.Call(nil), s.calls...)
}

func reply(text string) resilience.Result {
	return resilience.Result{
		Strategy:   resilience.StrategyPrimary,
		Applied:    []resilience.Strategy{resilience.StrategyPrimary},
		Success:    true,
		Response:   text,
		Generation: schemas.Generation{Text: text, Provider: "primary", TotalTokens: 40, Cost: 0.002},
	}
}

func staticTool(name string, out any) tools.Func {
	return tools.Func{ToolName: name, Fn: func(context.Context, string, schemas.RequestContext) (any, error) {
		return out, nil
	}}
}

// -- Fixture --

type fixture struct {
	orch     *Orchestrator
	remote   *scriptedRemote
	repo     *store.Memory
	states   *state.Manager
	patterns *patterns.Store
	registry *tools.Registry
	cache    *cache.Cache
	bus      *events.Bus
}

type options struct {
	cfg     func(*config.OrchestratorConfig)
	masking config.MaskingConfig
	// remote replaces the scripted remote.
	remote Remote
	// withCache backs the semantic cache with miniredis.
	withCache bool
	// withBus wires a bus notifier and a watching pattern store.
	withBus bool
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		AgentName:                "intelligence-engine",
		SoftDeadline:             5 * time.Second,
		RunTimeout:               10 * time.Second,
		ToolTimeout:              time.Second,
		ToolConcurrency:          4,
		DirectResponseConfidence: 0.9,
		LearningThreshold:        0.9,
		ClassifyPriority:         7,
		SynthesizePriority:       5,
	}
}

func testMasking() config.MaskingConfig {
	return config.MaskingConfig{
		MaxPasses:       3,
		Placeholder:     "[internal detail]",
		Substitutions:   map[string]string{"sql": "data query", "api": "data service"},
		ForbiddenTokens: []string{"postgres"},
	}
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := store.NewMemory()
	fx := &fixture{
		repo:     repo,
		states:   state.NewManager(repo, logger),
		patterns: patterns.NewStore(repo, logger),
		registry: tools.NewRegistry(),
		remote:   newScriptedRemote(),
	}

	if opts.withCache {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		fx.cache = cache.New(rdb, nil, config.CacheConfig{Enabled: true, KeyPrefix: "test:cache", DefaultTTL: time.Minute}, logger)
	}

	var remote Remote = fx.remote
	if opts.remote != nil {
		remote = opts.remote
	}

	fp, err := fastpath.New(config.FastPathConfig{Enabled: true, Rules: config.DefaultFastPathRules()})
	require.NoError(t, err)

	if opts.masking.MaxPasses == 0 {
		opts.masking = testMasking()
	}
	masker, err := masking.New(opts.masking)
	require.NoError(t, err)

	cfg := testConfig()
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	deps := Deps{
		States:   fx.states,
		Tools:    fx.registry,
		Remote:   remote,
		Masker:   masker,
		Cache:    fx.cache,
		FastPath: fp,
		Patterns: fx.patterns,
		Classifier: classifier.New(fx.patterns, fx.cache, remote, classifier.Options{
			AgentName:  cfg.AgentName,
			Priority:   cfg.ClassifyPriority,
			Categories: fx.registry.Categories,
		}, logger),
	}

	if opts.withBus {
		fx.bus = events.NewBus(logger, 8)
		deps.Notifier = patterns.BusNotifier{Bus: fx.bus}
		ctx, cancel := context.WithCancel(context.Background())
		watching := make(chan struct{})
		go func() {
			fx.patterns.Watch(ctx, fx.bus)
			close(watching)
		}()
		t.Cleanup(func() {
			cancel()
			<-watching
			fx.bus.Shutdown()
		})
	}

	fx.orch, err = New(cfg, deps, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = fx.orch.Wait(ctx)
	})
	return fx
}

func (fx *fixture) chain(t *testing.T, sessionID string) []schemas.OrchestrationState {
	t.Helper()
	states, err := fx.states.Recover(context.Background(), sessionID)
	require.NoError(t, err)
	return states
}

func lastEventType(st schemas.OrchestrationState) string {
	ev, _ := st.LastEvent()
	return ev.EventType
}

var business = schemas.RequestContext{UserID: "u-1", UserLevel: schemas.LevelBusiness}

// -- Tests --

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), Deps{}, zap.NewNop())
	assert.Error(t, err)
}

func TestProcess_FastPathGreeting(t *testing.T) {
	fx := newFixture(t, options{})

	res := fx.orch.Process(context.Background(), "Hello", "s-hello", business)

	require.True(t, res.Success)
	assert.Equal(t, "Hello! How can I help you today?", res.Response)
	assert.Equal(t, schemas.StageFastPath, res.Metadata.ExitStage)
	assert.Equal(t, "greeting", res.Metadata.FastPathRule)
	assert.Zero(t, res.Metadata.RemoteCalls)
	assert.False(t, res.Metadata.Masked)
	assert.Empty(t, fx.remote.recorded())

	chain := fx.chain(t, "s-hello")
	require.Len(t, chain, 2)
	assert.Equal(t, schemas.StatusCompleted, chain[1].Status)
	assert.Equal(t, EventFastPath, lastEventType(chain[1]))
	assert.Equal(t, res.Metadata.StateID, chain[1].StateID)
}

func TestProcess_FullPipeline(t *testing.T) {
	fx := newFixture(t, options{})
	fx.registry.Register("finance",
		staticTool("revenue", map[string]any{"q3": 4.2}),
		tools.Func{ToolName: "forecast", Fn: func(context.Context, string, schemas.RequestContext) (any, error) {
			return nil, errors.New("forecast service down")
		}},
	)
	fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))
	fx.remote.script("synthesize", reply("Revenue reached 4.2 million in Q3."))

	res := fx.orch.Process(context.Background(), "What was Q3 revenue?", "s-full", business)

	require.True(t, res.Success)
	assert.Equal(t, "Revenue reached 4.2 million in Q3.", res.Response)
	md := res.Metadata
	assert.Equal(t, schemas.StageEnd, md.ExitStage)
	assert.Equal(t, "finance", md.Category)
	assert.Equal(t, schemas.SourceRemote, md.Source)
	assert.Equal(t, 2, md.RemoteCalls)
	assert.Equal(t, 80, md.TokensUsed)
	assert.InDelta(t, 0.004, md.Cost, 1e-9)
	assert.Equal(t, []string{"primary"}, md.Strategies)
	assert.True(t, md.Masked)
	assert.Empty(t, md.ErrorCode)

	calls := fx.remote.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, schemas.KindSynthesize, calls[1].Kind)
	assert.Equal(t, 5, calls[1].Priority)
	assert.Contains(t, calls[1].Request.UserPrompt, "revenue: {\"q3\":4.2}")
	assert.Contains(t, calls[1].Request.UserPrompt, "forecast: unavailable")

	chain := fx.chain(t, "s-full")
	wantEvents := []string{state.EventCreated, EventClassified, EventToolsExecuted, EventSynthesized, EventMasked, EventFeedback}
	require.Len(t, chain, len(wantEvents))
	for i, st := range chain {
		assert.Equal(t, i+1, st.Version)
		assert.Equal(t, wantEvents[i], lastEventType(st))
		if i > 0 {
			assert.Equal(t, chain[i-1].StateID, st.ParentStateID)
		}
	}
	assert.Equal(t, schemas.StatusCompleted, chain[len(chain)-1].Status)

	// Below the learning threshold nothing is learned.
	learned, err := fx.repo.ListPatterns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, learned)
}

func TestProcess_AllProvidersFailOnClassify(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var regs []llmclient.Registration
	for i, name := range []string{"primary", "secondary"} {
		client := mocks.NewMockLLMClient(name)
		client.On("Generate", mock.Anything, mock.Anything).Return(schemas.Generation{},
			&llmclient.ProviderError{Type: schemas.ErrorRateLimit, Provider: name, StatusCode: 429, Err: errors.New("slow down")})
		regs = append(regs, llmclient.Registration{Client: client, Priority: i + 1})
	}
	breaker, err := resilience.NewCircuitBreaker(regs, config.BreakerConfig{
		FailureThreshold: 5, FailureWindow: time.Minute, CoolDown: time.Minute, CallTimeout: time.Second,
	}, logger)
	require.NoError(t, err)
	retry := resilience.NewRetryManager(resilience.RetryPolicy{MaxAttempts: 2, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond}, logger)
	dlq := resilience.NewDeadLetterQueue(rdb, config.DLQConfig{KeyPrefix: "test:dlq", MaxAttempts: 3, SweepBatch: 10}, logger)
	degraded := config.DegradedConfig{FailureRateThreshold: 0.5, Window: time.Minute, MinSamples: 100, AutoClearAfter: time.Minute}
	framework := resilience.NewFramework("intelligence-engine", breaker, retry, dlq,
		resilience.NewFallbackHandler(degraded, logger), config.ResilienceConfig{Degraded: degraded}, logger)

	fx := newFixture(t, options{remote: framework})
	fx.registry.Register("finance", staticTool("revenue", 1))

	res := fx.orch.Process(context.Background(), "What was Q3 revenue?", "s-outage", business)

	assert.False(t, res.Success)
	assert.Contains(t, []string{
		resilience.FallbackResponse(schemas.ErrorRateLimit, schemas.LevelBusiness, schemas.KindClassify),
		resilience.FallbackResponse(schemas.ErrorAPI, schemas.LevelBusiness, schemas.KindClassify),
	}, res.Response)
	assert.Equal(t, schemas.StageClassify, res.Metadata.ExitStage)
	assert.Contains(t, res.Metadata.Strategies, string(resilience.StrategyDLQ))
	assert.Contains(t, res.Metadata.Strategies, string(resilience.StrategyFallback))

	ctx := context.Background()
	depth, err := dlq.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	msgs, err := dlq.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "classify", msgs[0].Operation)
	assert.Zero(t, msgs[0].Attempts)
	assert.Equal(t, 7, msgs[0].Priority)

	// The run itself completed with the fallback as its answer.
	chain := fx.chain(t, "s-outage")
	assert.Equal(t, schemas.StatusCompleted, chain[len(chain)-1].Status)
}

func TestProcess_LearnedPatternSkipsRemoteCalls(t *testing.T) {
	fx := newFixture(t, options{withCache: true, withBus: true})
	ctx := context.Background()
	fx.registry.Register("finance", staticTool("revenue", map[string]any{"q3": 4.2}))
	fx.registry.Register("hr", staticTool("headcount", 120))

	// Make sure the watcher is listening before the run publishes.
	warmID, err := fx.patterns.Learn(ctx, "warm up", "hr", 0.99)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_ = patterns.BusNotifier{Bus: fx.bus}.Notify(ctx, patterns.ReloadOne(warmID))
		_, ok := fx.patterns.Match("warm up")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	fx.remote.script("classify", reply(`{"category":"finance","confidence":0.95}`))
	fx.remote.script("synthesize", reply("Revenue reached 4.2 million in Q3."))

	first := fx.orch.Process(ctx, "What was Q3 revenue?", "s-learn-1", business)
	require.True(t, first.Success)
	assert.Equal(t, 2, first.Metadata.RemoteCalls)

	require.Eventually(t, func() bool {
		p, ok := fx.patterns.Match("what was q3 revenue")
		return ok && p.CorrectIntent == "finance"
	}, 2*time.Second, 10*time.Millisecond)

	_, ok, err := fx.cache.Get(ctx, "What was Q3 revenue?", classifier.CacheScope)
	require.NoError(t, err)
	assert.False(t, ok, "learning drops the cached classification")
	answer, ok, err := fx.cache.Get(ctx, "What was Q3 revenue?", "synthesize:finance:u-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, answer.TTL)

	second := fx.orch.Process(ctx, "What was Q3 revenue?", "s-learn-2", business)
	require.True(t, second.Success)
	assert.Equal(t, "finance", second.Metadata.Category)
	assert.Equal(t, schemas.SourcePattern, second.Metadata.Source)
	assert.Zero(t, second.Metadata.RemoteCalls)
	assert.Equal(t, first.Response, second.Response)
	assert.Len(t, fx.remote.recorded(), 2)

	p, ok := fx.patterns.Match("What was Q3 revenue?")
	require.True(t, ok)
	stored, err := fx.repo.GetPattern(ctx, p.PatternID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Equal(t, 0.95, stored.ConfidenceThreshold)
}

func TestProcess_PatternRoutedAnswerIsWarmed(t *testing.T) {
	fx := newFixture(t, options{withCache: true})
	ctx := context.Background()
	fx.registry.Register("finance", staticTool("revenue", map[string]any{"q3": 4.2}))
	id, err := fx.patterns.Learn(ctx, "What was Q3 revenue?", "finance", 0.95)
	require.NoError(t, err)
	require.NoError(t, fx.patterns.HandleSignal(ctx, patterns.ReloadOne(id)))
	fx.remote.script("synthesize", reply("Revenue reached 4.2 million in Q3."))

	res := fx.orch.Process(ctx, "What was Q3 revenue?", "s-warm", business)
	require.True(t, res.Success)
	assert.Equal(t, schemas.SourcePattern, res.Metadata.Source)
	assert.Equal(t, 1, res.Metadata.RemoteCalls)

	hit, ok, err := fx.cache.Get(ctx, "what was q3 revenue", "synthesize:finance:u-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Hour, hit.TTL, "pattern-routed answers get the warm TTL")
}

func TestProcess_DirectResponseSkipsTools(t *testing.T) {
	fx := newFixture(t, options{})
	var invoked atomic.Int32
	fx.registry.Register("general", tools.Func{ToolName: "noop", Fn: func(context.Context, string, schemas.RequestContext) (any, error) {
		invoked.Add(1)
		return nil, nil
	}})
	fx.remote.script("classify", reply(`{"category":"general","confidence":0.97,"direct_response":"We are open 9 to 5."}`))

	res := fx.orch.Process(context.Background(), "When are you open?", "s-direct", business)

	require.True(t, res.Success)
	assert.Equal(t, "We are open 9 to 5.", res.Response)
	assert.Equal(t, schemas.StageClassify, res.Metadata.ExitStage)
	assert.Equal(t, 1, res.Metadata.RemoteCalls)
	assert.Zero(t, invoked.Load())

	learned, err := fx.repo.ListPatterns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, learned, "direct answers are not learned")
}

func TestProcess_UnmappedCategoryFails(t *testing.T) {
	fx := newFixture(t, options{})
	fx.remote.script("classify", reply(`{"category":"legal","confidence":0.9}`))

	res := fx.orch.Process(context.Background(), "Are we compliant?", "s-unmapped", business)

	assert.False(t, res.Success)
	assert.Equal(t, CodeUnmappedCategory, res.Metadata.ErrorCode)
	assert.Equal(t, schemas.StageToolExec, res.Metadata.ExitStage)
	assert.Equal(t, resilience.FallbackResponse(schemas.ErrorAPI, schemas.LevelBusiness, schemas.KindGeneric), res.Response)

	chain := fx.chain(t, "s-unmapped")
	last := chain[len(chain)-1]
	assert.Equal(t, schemas.StatusFailed, last.Status)
	assert.Equal(t, EventRunFailed, lastEventType(last))
	assert.Equal(t, res.Metadata.StateID, last.StateID)
}

func TestProcess_Masking(t *testing.T) {
	leaky := "We pulled the SQL numbers straight from postgres."

	t.Run("strict mode withholds the answer", func(t *testing.T) {
		mc := testMasking()
		mc.Strict = true
		fx := newFixture(t, options{masking: mc})
		fx.registry.Register("finance", staticTool("revenue", 1))
		fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))
		fx.remote.script("synthesize", reply(leaky))

		res := fx.orch.Process(context.Background(), "revenue?", "s-strict", business)

		assert.False(t, res.Success)
		assert.Equal(t, CodeLeakPrevented, res.Metadata.ErrorCode)
		assert.NotContains(t, res.Response, "postgres")
		chain := fx.chain(t, "s-strict")
		assert.Equal(t, schemas.StatusFailed, chain[len(chain)-1].Status)
	})

	t.Run("regenerates once", func(t *testing.T) {
		fx := newFixture(t, options{})
		fx.registry.Register("finance", staticTool("revenue", 1))
		fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))
		fx.remote.script("synthesize", reply(leaky), reply("Revenue figures are in."))

		res := fx.orch.Process(context.Background(), "revenue?", "s-regen", business)

		require.True(t, res.Success)
		assert.Equal(t, "Revenue figures are in.", res.Response)
		assert.Equal(t, 3, res.Metadata.RemoteCalls)
		calls := fx.remote.recorded()
		require.Len(t, calls, 3)
		assert.True(t, calls[2].NoRetry)
		assert.Contains(t, calls[2].Request.SystemPrompt, "postgres")
	})

	t.Run("redacts what regeneration could not fix", func(t *testing.T) {
		fx := newFixture(t, options{})
		fx.registry.Register("finance", staticTool("revenue", 1))
		fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))
		fx.remote.script("synthesize", reply(leaky), reply("Still from postgres, sorry."))

		res := fx.orch.Process(context.Background(), "revenue?", "s-redact", business)

		require.True(t, res.Success)
		assert.NotContains(t, res.Response, "postgres")
		assert.NotContains(t, res.Response, "SQL")
		assert.Contains(t, res.Response, "[internal detail]")
		assert.Contains(t, res.Response, "data query")
		assert.True(t, res.Metadata.Masked)
	})

	t.Run("technical users see the raw answer", func(t *testing.T) {
		fx := newFixture(t, options{})
		fx.registry.Register("finance", staticTool("revenue", 1))
		fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))
		fx.remote.script("synthesize", reply(leaky))

		res := fx.orch.Process(context.Background(), "revenue?", "s-tech",
			schemas.RequestContext{UserID: "u-2", UserLevel: schemas.LevelTechnical})

		require.True(t, res.Success)
		assert.Equal(t, leaky, res.Response)
		assert.False(t, res.Metadata.Masked)
		assert.Equal(t, 2, res.Metadata.RemoteCalls)
	})
}

func TestProcess_DegradedModeSummarizesLocally(t *testing.T) {
	fx := newFixture(t, options{})
	fx.remote.degraded = true
	fx.registry.Register("hr", staticTool("headcount", 120))
	fx.remote.script("classify", reply(`{"category":"hr","confidence":0.8}`))

	res := fx.orch.Process(context.Background(), "How many employees?", "s-degraded", business)

	require.True(t, res.Success)
	assert.True(t, res.Metadata.Degraded)
	assert.Equal(t, 1, res.Metadata.RemoteCalls)
	assert.Contains(t, res.Response, "headcount: 120")
}

func TestProcess_SoftDeadlineAnswersEarly(t *testing.T) {
	fx := newFixture(t, options{cfg: func(c *config.OrchestratorConfig) {
		c.SoftDeadline = 50 * time.Millisecond
	}})
	fx.registry.Register("finance", tools.Func{ToolName: "slow", Fn: func(ctx context.Context, _ string, _ schemas.RequestContext) (any, error) {
		select {
		case <-time.After(300 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})
	fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))
	fx.remote.script("synthesize", reply("Late but complete."))

	start := time.Now()
	res := fx.orch.Process(context.Background(), "revenue?", "s-soft", business)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.False(t, res.Success)
	assert.Equal(t, "soft_deadline", res.Metadata.ErrorCode)
	assert.Equal(t, resilience.FallbackResponse(schemas.ErrorTimeout, schemas.LevelBusiness, schemas.KindRetryLater), res.Response)

	// The run finishes in the background.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.orch.Wait(ctx))
	chain := fx.chain(t, "s-soft")
	assert.Equal(t, schemas.StatusCompleted, chain[len(chain)-1].Status)
}

func TestCancel_AbortsRunAndRecordsFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fx := newFixture(t, options{})
	started := make(chan struct{})
	fx.registry.Register("finance", tools.Func{ToolName: "blocking", Fn: func(ctx context.Context, _ string, _ schemas.RequestContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))

	done := make(chan *schemas.ProcessResult, 1)
	go func() { done <- fx.orch.Process(context.Background(), "revenue?", "s-cancel", business) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}
	assert.True(t, fx.orch.Cancel("s-cancel"))

	var res *schemas.ProcessResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not return")
	}
	assert.False(t, res.Success)
	assert.Equal(t, CodeCancelled, res.Metadata.ErrorCode)
	assert.Equal(t, cancelledText, res.Response)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.orch.Wait(ctx))
	assert.False(t, fx.orch.Cancel("s-cancel"), "nothing left to cancel")

	chain := fx.chain(t, "s-cancel")
	last := chain[len(chain)-1]
	assert.Equal(t, schemas.StatusFailed, last.Status)
	// History written before the cancellation stays intact.
	assert.Equal(t, EventClassified, lastEventType(chain[1]))
}

func TestProcess_CallerCancellationStopsRun(t *testing.T) {
	fx := newFixture(t, options{})
	ctx, cancel := context.WithCancel(context.Background())
	fx.registry.Register("finance", tools.Func{ToolName: "blocking", Fn: func(tctx context.Context, _ string, _ schemas.RequestContext) (any, error) {
		cancel()
		<-tctx.Done()
		return nil, tctx.Err()
	}})
	fx.remote.script("classify", reply(`{"category":"finance","confidence":0.8}`))

	res := fx.orch.Process(ctx, "revenue?", "s-caller", business)

	assert.Equal(t, CodeCancelled, res.Metadata.ErrorCode)
	chain := fx.chain(t, "s-caller")
	assert.Equal(t, schemas.StatusFailed, chain[len(chain)-1].Status)
}

func TestProcess_NormalizesRequest(t *testing.T) {
	fx := newFixture(t, options{})

	res := fx.orch.Process(context.Background(), "  hey  ", "", schemas.RequestContext{UserLevel: "root"})

	require.True(t, res.Success)
	require.NotEmpty(t, res.Metadata.RunID)
	chain := fx.chain(t, "session-"+res.Metadata.RunID)
	assert.Equal(t, "business", chain[0].Context["user_level"])
	assert.Equal(t, "hey", chain[0].Data["query"])
}
