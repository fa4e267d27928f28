package schemas

import (
	"encoding/json"
	"time"
)

// -- Failure Taxonomy --

// ErrorType classifies every remote-call failure. The resilience layer keys
// its retry policy and fallback texts on this value.
type ErrorType string

const (
	ErrorTimeout    ErrorType = "TIMEOUT"
	ErrorRateLimit  ErrorType = "RATE_LIMIT"
	ErrorAPI        ErrorType = "API_ERROR"
	ErrorNetwork    ErrorType = "NETWORK"
	ErrorValidation ErrorType = "VALIDATION"
)

// ErrorTypes lists the full taxonomy in a stable order.
var ErrorTypes = []ErrorType{ErrorTimeout, ErrorRateLimit, ErrorAPI, ErrorNetwork, ErrorValidation}

// Retryable reports whether a failure of this type is worth another attempt.
// Validation failures are deterministic; repeating the call cannot fix them.
func (e ErrorType) Retryable() bool {
	return e != ErrorValidation
}

// UserLevel is the authorization level of the caller. It selects the fallback
// wording and decides whether outbound text is masked.
type UserLevel string

const (
	LevelBusiness  UserLevel = "business"
	LevelAnalyst   UserLevel = "analyst"
	LevelTechnical UserLevel = "technical"
)

// Valid reports whether the level is one of the known levels.
func (l UserLevel) Valid() bool {
	switch l {
	case LevelBusiness, LevelAnalyst, LevelTechnical:
		return true
	}
	return false
}

// ResponseKind names the pipeline stage a fallback response stands in for.
type ResponseKind string

const (
	KindClassify   ResponseKind = "classify"
	KindSynthesize ResponseKind = "synthesize"
	KindTool       ResponseKind = "tool"
	KindRetryLater ResponseKind = "retry_later"
	KindGeneric    ResponseKind = "generic"
)

// FailureContext describes one failed remote call. It is created at the
// failure point and consumed exactly once by the resilience framework.
type FailureContext struct {
	AgentName       string          `json:"agent_name"`
	Operation       string          `json:"operation"`
	ErrorType       ErrorType       `json:"error_type"`
	ErrorMessage    string          `json:"error_message"`
	Timestamp       time.Time       `json:"timestamp"`
	UserLevel       UserLevel       `json:"user_level"`
	Kind            ResponseKind    `json:"kind"`
	Priority        int             `json:"priority"`
	OriginalRequest json.RawMessage `json:"original_request,omitempty"`
}

// -- Dead Letter Schemas --

// DeadLetterMessage wraps an operation that exhausted every retry and
// provider. It waits in the dead letter queue for asynchronous reprocessing.
type DeadLetterMessage struct {
	ID           string          `json:"id"`
	AgentName    string          `json:"agent_name"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload"`
	ErrorType    ErrorType       `json:"error_type"`
	ErrorMessage string          `json:"error_message"`
	Priority     int             `json:"priority"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	Attempts     int             `json:"attempts"`
}

// -- Provider Health Schemas --

// ProviderHealth is the circuit state of a single provider.
type ProviderHealth string

const (
	HealthClosed   ProviderHealth = "CLOSED"
	HealthOpen     ProviderHealth = "OPEN"
	HealthHalfOpen ProviderHealth = "HALF_OPEN"
)

// ProviderStatus is a read-only snapshot of a provider record. The live record
// is owned by the circuit breaker and never leaves it.
type ProviderStatus struct {
	Name                string         `json:"name"`
	Priority            int            `json:"priority"`
	Health              ProviderHealth `json:"health"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastFailureAt       time.Time      `json:"last_failure_at,omitempty"`
}

// RetryStats are the cumulative counters of the retry manager.
type RetryStats struct {
	Operations int64 `json:"operations"`
	Attempts   int64 `json:"attempts"`
	Successes  int64 `json:"successes"`
	Exhausted  int64 `json:"exhausted"`
}

// HealthReport is the monitoring view over the resilience layer.
type HealthReport struct {
	Providers    []ProviderStatus  `json:"providers"`
	Retry        RetryStats        `json:"retry"`
	DLQDepth     int64             `json:"dlq_depth"`
	RecentErrors map[ErrorType]int `json:"recent_errors"`
	Degraded     bool              `json:"degraded"`
	GeneratedAt  time.Time         `json:"generated_at"`
}
