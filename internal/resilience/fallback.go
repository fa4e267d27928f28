package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/observability"
)

// -- Canned Responses --

var fallbackTexts = map[schemas.ResponseKind]map[schemas.ErrorType]string{
	schemas.KindClassify: {
		schemas.ErrorTimeout:    "I'm taking longer than usual to understand your question. Please try again in a moment.",
		schemas.ErrorRateLimit:  "We're handling a lot of requests right now. Please try your question again in a minute.",
		schemas.ErrorAPI:        "I couldn't work out what you're looking for just now. Please try again shortly.",
		schemas.ErrorNetwork:    "I'm having trouble reaching the information I need. Please try again shortly.",
		schemas.ErrorValidation: "I couldn't understand that request. Could you rephrase it?",
	},
	schemas.KindSynthesize: {
		schemas.ErrorTimeout:    "I found your data but ran out of time putting the summary together. Please try again in a moment.",
		schemas.ErrorRateLimit:  "I found your data but we're very busy right now. Please ask again in a minute for the full summary.",
		schemas.ErrorAPI:        "I found your data but couldn't write up the summary. Please try again shortly.",
		schemas.ErrorNetwork:    "I found your data but lost the connection while summarizing it. Please try again shortly.",
		schemas.ErrorValidation: "I found your data but couldn't summarize it for this question. Could you rephrase it?",
	},
	schemas.KindTool: {
		schemas.ErrorTimeout:   "Some of the figures you asked for took too long to load and are missing from this answer.",
		schemas.ErrorRateLimit: "Some of the figures you asked for are temporarily unavailable.",
		schemas.ErrorAPI:       "Some of the figures you asked for are temporarily unavailable.",
		schemas.ErrorNetwork:   "Some of the figures you asked for couldn't be reached right now.",
	},
	schemas.KindRetryLater: {
		schemas.ErrorTimeout: "Your request is taking longer than expected. Please try again in a moment.",
	},
}

const defaultFallbackText = "Something went wrong on our side. Please try again in a moment."

var analystHints = map[schemas.ErrorType]string{
	schemas.ErrorTimeout:   "The upstream analysis service is responding slowly.",
	schemas.ErrorRateLimit: "The analysis service is at capacity; queued work will be retried automatically.",
	schemas.ErrorAPI:       "The analysis service returned an error; the request has been queued for retry.",
	schemas.ErrorNetwork:   "The analysis service is currently unreachable.",
}

// FallbackResponse returns the user-safe text for a failure. It is a pure
// function of its inputs. Technical users additionally see the failure code.
func FallbackResponse(errType schemas.ErrorType, level schemas.UserLevel, kind schemas.ResponseKind) string {
	text := lookupFallback(errType, kind)
	switch level {
	case schemas.LevelTechnical:
		return fmt.Sprintf("%s [%s/%s]", text, kind, errType)
	case schemas.LevelAnalyst:
		if hint, ok := analystHints[errType]; ok {
			return text + " " + hint
		}
	}
	return text
}

func lookupFallback(errType schemas.ErrorType, kind schemas.ResponseKind) string {
	if byType, ok := fallbackTexts[kind]; ok {
		if text, ok := byType[errType]; ok {
			return text
		}
		if kind == schemas.KindRetryLater {
			return byType[schemas.ErrorTimeout]
		}
	}
	return defaultFallbackText
}

// -- Degraded Mode --

// FallbackHandler serves canned responses and owns the process-wide degraded
// flag. The flag is raised when the failure rate over the configured window
// crosses the threshold and clears itself after AutoClearAfter.
type FallbackHandler struct {
	mu            sync.Mutex
	cfg           config.DegradedConfig
	outcomes      []outcome
	degradedUntil time.Time
	now           func() time.Time
	logger        *zap.Logger
}

type outcome struct {
	at      time.Time
	success bool
}

// NewFallbackHandler creates a handler with the degraded-mode settings.
func NewFallbackHandler(cfg config.DegradedConfig, logger *zap.Logger) *FallbackHandler {
	return &FallbackHandler{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Named("fallback"),
	}
}

// Response returns the canned response for a failure.
func (h *FallbackHandler) Response(errType schemas.ErrorType, level schemas.UserLevel, kind schemas.ResponseKind) string {
	return FallbackResponse(errType, level, kind)
}

// RecordOutcome feeds the failure-rate window.
func (h *FallbackHandler) RecordOutcome(success bool) {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outcomes = append(h.outcomes, outcome{at: now, success: success})
	h.prune(now)

	if success || len(h.outcomes) < h.cfg.MinSamples {
		return
	}
	if rate := h.failureRate(); rate >= h.cfg.FailureRateThreshold {
		if !now.Before(h.degradedUntil) {
			h.logger.Warn("Entering degraded mode.", zap.Float64("failure_rate", rate), zap.Int("samples", len(h.outcomes)))
		}
		h.degradedUntil = now.Add(h.cfg.AutoClearAfter)
		observability.DegradedMode.Set(1)
	}
}

// prune drops outcomes older than the window. The caller holds mu.
func (h *FallbackHandler) prune(now time.Time) {
	if h.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-h.cfg.Window)
	i := 0
	for i < len(h.outcomes) && h.outcomes[i].at.Before(cutoff) {
		i++
	}
	h.outcomes = h.outcomes[i:]
}

func (h *FallbackHandler) failureRate() float64 {
	if len(h.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range h.outcomes {
		if !o.success {
			failed++
		}
	}
	return float64(failed) / float64(len(h.outcomes))
}

// FailureRate returns the failure rate over the current window.
func (h *FallbackHandler) FailureRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(h.now())
	return h.failureRate()
}

// Degraded reports whether degraded mode is active.
func (h *FallbackHandler) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	active := h.now().Before(h.degradedUntil)
	if !active {
		observability.DegradedMode.Set(0)
	}
	return active
}

// SetDegraded forces degraded mode on for d.
func (h *FallbackHandler) SetDegraded(d time.Duration) {
	h.mu.Lock()
	h.degradedUntil = h.now().Add(d)
	h.mu.Unlock()
	observability.DegradedMode.Set(1)
}

// ClearDegraded turns degraded mode off and resets the window.
func (h *FallbackHandler) ClearDegraded() {
	h.mu.Lock()
	h.degradedUntil = time.Time{}
	h.outcomes = nil
	h.mu.Unlock()
	observability.DegradedMode.Set(0)
}
