// internal/classifier/classifier.go
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/cache"
	"github.com/xkilldash9x/querycore/internal/llmutil"
	"github.com/xkilldash9x/querycore/internal/patterns"
	"github.com/xkilldash9x/querycore/internal/resilience"
)

// CacheScope is the cache namespace of classifications.
const CacheScope = "classify"

// Remote is the part of the resilience framework the classifier calls.
type Remote interface {
	Do(ctx context.Context, call resilience.Call) resilience.Result
	HandleFailure(ctx context.Context, fc schemas.FailureContext, retry resilience.RetryFunc) resilience.Result
}

// Outcome is the result of one classification. When Fallback is set the
// remote call failed and Remote.Response holds the user-safe text.
type Outcome struct {
	Classification schemas.Classification
	Remote         resilience.Result
	RemoteCalls    int
	Fallback       bool
}

// Classifier resolves a query to a category: learned patterns first, then the
// semantic cache, then a remote model.
type Classifier struct {
	patterns   *patterns.Store
	cache      *cache.Cache
	remote     Remote
	categories func() []string
	agentName  string
	priority   int
	logger     *zap.Logger
}

// Options configures a Classifier.
type Options struct {
	AgentName string
	Priority  int
	// Categories lists the valid categories offered to the model.
	Categories func() []string
}

// New builds a classifier. cache may be nil.
func New(store *patterns.Store, c *cache.Cache, remote Remote, opts Options, logger *zap.Logger) *Classifier {
	if opts.Categories == nil {
		opts.Categories = func() []string { return nil }
	}
	return &Classifier{
		patterns:   store,
		cache:      c,
		remote:     remote,
		categories: opts.Categories,
		agentName:  opts.AgentName,
		priority:   opts.Priority,
		logger:     logger.Named("classifier"),
	}
}

type reply struct {
	Category       string  `json:"category"`
	Confidence     float64 `json:"confidence"`
	DirectResponse string  `json:"direct_response"`
}

// Classify never fails: a remote failure yields a fallback outcome.
func (c *Classifier) Classify(ctx context.Context, query string, reqCtx schemas.RequestContext) Outcome {
	if p, ok := c.patterns.Match(query); ok {
		c.logger.Debug("Classified from learned pattern.", zap.Int64("pattern_id", p.PatternID))
		return Outcome{Classification: schemas.Classification{
			Category:   p.CorrectIntent,
			Confidence: p.ConfidenceThreshold,
			Source:     schemas.SourcePattern,
			PatternID:  p.PatternID,
		}}
	}

	if hit, ok, err := c.cache.Get(ctx, query, CacheScope); err != nil {
		c.logger.Warn("Classification cache lookup failed.", zap.Error(err))
	} else if ok {
		var cl schemas.Classification
		if err := hit.Decode(&cl); err == nil && cl.Category != "" {
			cl.Source = schemas.SourceCache
			cl.TokensUsed, cl.Cost = 0, 0
			return Outcome{Classification: cl}
		}
	}

	return c.classifyRemote(ctx, query, reqCtx)
}

// Forget drops the cached classification of query so the next lookup consults
// learned patterns and the model again.
func (c *Classifier) Forget(ctx context.Context, query string) error {
	return c.cache.Invalidate(ctx, query, CacheScope)
}

func (c *Classifier) classifyRemote(ctx context.Context, query string, reqCtx schemas.RequestContext) Outcome {
	req := schemas.GenerationRequest{
		SystemPrompt: c.systemPrompt(),
		UserPrompt:   query,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	}
	res := c.remote.Do(ctx, resilience.Call{
		Operation: "classify",
		Request:   req,
		UserLevel: reqCtx.UserLevel,
		Kind:      schemas.KindClassify,
		Priority:  c.priority,
	})
	out := Outcome{Remote: res, RemoteCalls: 1}
	if !res.Success {
		out.Fallback = true
		out.Classification = schemas.Classification{Source: schemas.SourceFallback}
		return out
	}

	parsed, err := llmutil.ParseJSONResponse[reply](res.Response)
	if err == nil && strings.TrimSpace(parsed.Category) == "" && parsed.DirectResponse == "" {
		err = fmt.Errorf("reply names no category")
	}
	if err != nil {
		original, _ := json.Marshal(req)
		fb := c.remote.HandleFailure(ctx, schemas.FailureContext{
			AgentName:       c.agentName,
			Operation:       "classify",
			ErrorType:       schemas.ErrorValidation,
			ErrorMessage:    err.Error(),
			Timestamp:       time.Now().UTC(),
			UserLevel:       reqCtx.UserLevel,
			Kind:            schemas.KindClassify,
			Priority:        c.priority,
			OriginalRequest: original,
		}, nil)
		fb.Generation = res.Generation
		out.Remote = fb
		out.Fallback = true
		out.Classification = schemas.Classification{
			Source:     schemas.SourceFallback,
			TokensUsed: res.Generation.TotalTokens,
			Cost:       res.Generation.Cost,
		}
		return out
	}

	cl := schemas.Classification{
		Category:       strings.ToLower(strings.TrimSpace(parsed.Category)),
		Confidence:     clamp(parsed.Confidence),
		DirectResponse: strings.TrimSpace(parsed.DirectResponse),
		Source:         schemas.SourceRemote,
		TokensUsed:     res.Generation.TotalTokens,
		Cost:           res.Generation.Cost,
	}
	out.Classification = cl

	if err := c.cache.Set(ctx, query, CacheScope, cl, 0); err != nil {
		c.logger.Warn("Failed to cache classification.", zap.Error(err))
	}
	return out
}

func (c *Classifier) systemPrompt() string {
	var b strings.Builder
	b.WriteString("Classify the user's question for a business intelligence assistant. ")
	b.WriteString(`Reply with a single JSON object: {"category": string, "confidence": number between 0 and 1, "direct_response": string}. `)
	b.WriteString("Set direct_response only when the question can be fully answered without looking up any data.")
	if cats := c.categories(); len(cats) > 0 {
		b.WriteString(" Valid categories: ")
		b.WriteString(strings.Join(cats, ", "))
		b.WriteString(".")
	}
	return b.String()
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
