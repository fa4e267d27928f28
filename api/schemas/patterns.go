package schemas

// -- Learned Pattern Schemas --

// PatternType distinguishes how a learned pattern matches a query.
type PatternType string

const (
	// PatternExact matches the normalized query verbatim.
	PatternExact PatternType = "exact"
	// PatternCorrection rewrites a query before matching.
	PatternCorrection PatternType = "correction"
)

// LearnedPattern is a routing shortcut learned from confirmed classifications.
type LearnedPattern struct {
	PatternID           int64       `json:"pattern_id"`
	PatternType         PatternType `json:"pattern_type"`
	OriginalQuery       string      `json:"original_query"`
	CorrectedQuery      string      `json:"corrected_query,omitempty"`
	OriginalIntent      string      `json:"original_intent,omitempty"`
	CorrectIntent       string      `json:"correct_intent"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	UsageCount          int64       `json:"usage_count"`
	SuccessCount        int64       `json:"success_count"`
}

// ReloadAction is the only action understood by the reload channel.
const ReloadAction = "reload"

// ReloadSignal is the wire format on the pattern reload channel. A nil
// PatternID asks for a full reload.
type ReloadSignal struct {
	Action    string `json:"action"`
	PatternID *int64 `json:"pattern_id"`
}
