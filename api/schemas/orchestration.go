package schemas

import "time"

// -- Pipeline Schemas --

// Stage names one state of the orchestration pipeline.
type Stage string

const (
	StageFastPath       Stage = "FAST_PATH"
	StageClassify       Stage = "CLASSIFY"
	StageToolExec       Stage = "TOOL_EXEC"
	StageSynthesize     Stage = "SYNTHESIZE"
	StageMask           Stage = "MASK"
	StageRecordFeedback Stage = "RECORD_FEEDBACK"
	StageEnd            Stage = "END"
)

// RequestContext carries the caller-supplied attributes of one query.
type RequestContext struct {
	UserID     string         `json:"user_id,omitempty"`
	UserLevel  UserLevel      `json:"user_level"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ClassificationSource records where a classification came from.
type ClassificationSource string

const (
	SourcePattern  ClassificationSource = "pattern"
	SourceCache    ClassificationSource = "cache"
	SourceRemote   ClassificationSource = "remote"
	SourceFallback ClassificationSource = "fallback"
)

// Classification is the outcome of the CLASSIFY stage.
type Classification struct {
	Category       string               `json:"category"`
	Confidence     float64              `json:"confidence"`
	DirectResponse string               `json:"direct_response,omitempty"`
	Source         ClassificationSource `json:"source"`
	PatternID      int64                `json:"pattern_id,omitempty"`
	TokensUsed     int                  `json:"tokens_used,omitempty"`
	Cost           float64              `json:"cost,omitempty"`
}

// ToolResult is the annotated outcome of one tool invocation. A failed tool
// carries its error text instead of aborting its siblings.
type ToolResult struct {
	Name     string        `json:"name"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the tool produced an error.
func (r ToolResult) Failed() bool { return r.Error != "" }

// ProcessMetadata accompanies every response returned to the caller.
type ProcessMetadata struct {
	RunID          string               `json:"run_id,omitempty"`
	StateID        string               `json:"state_id,omitempty"`
	Masked         bool                 `json:"masked"`
	TokensUsed     int                  `json:"tokens_used,omitempty"`
	Cost           float64              `json:"cost,omitempty"`
	Category       string               `json:"category,omitempty"`
	Confidence     float64              `json:"confidence,omitempty"`
	Source         ClassificationSource `json:"source,omitempty"`
	ExitStage      Stage                `json:"exit_stage,omitempty"`
	Strategies     []string             `json:"strategies,omitempty"`
	Degraded       bool                 `json:"degraded,omitempty"`
	RemoteCalls    int                  `json:"remote_calls"`
	FastPathRule   string               `json:"fast_path_rule,omitempty"`
	ErrorCode      string               `json:"error_code,omitempty"`
	DurationMillis int64                `json:"duration_ms"`
}

// ProcessResult is what the orchestrator hands back for every query. It is
// returned even when the run failed; Response is then a safe fallback text.
type ProcessResult struct {
	Success  bool            `json:"success"`
	Response string          `json:"response"`
	Metadata ProcessMetadata `json:"metadata"`
}
