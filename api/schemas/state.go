package schemas

import "time"

// -- Orchestration State Schemas --

// StateStatus is the lifecycle status of an orchestration run.
type StateStatus string

const (
	StatusCreated    StateStatus = "CREATED"
	StatusInProgress StateStatus = "IN_PROGRESS"
	StatusCompleted  StateStatus = "COMPLETED"
	StatusFailed     StateStatus = "FAILED"
	StatusRolledBack StateStatus = "ROLLED_BACK"
)

// Terminal reports whether no further transition is allowed from this status.
func (s StateStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// StateEvent is one append-only entry of a state's audit history.
type StateEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// OrchestrationState is one immutable version of a run's state. A mutation
// never edits a value in place: it produces the next version, which points
// at its predecessor through ParentStateID and ParentHash.
type OrchestrationState struct {
	StateID       string         `json:"state_id"`
	Version       int            `json:"version"`
	Status        StateStatus    `json:"status"`
	AgentName     string         `json:"agent_name"`
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id,omitempty"`
	Data          map[string]any `json:"data"`
	Context       map[string]any `json:"context"`
	Metadata      map[string]any `json:"metadata"`
	Events        []StateEvent   `json:"events"`
	ParentStateID string         `json:"parent_state_id,omitempty"`
	ParentHash    string         `json:"parent_hash,omitempty"`
	ContentHash   string         `json:"content_hash"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can never alias the stored maps.
func (s OrchestrationState) Clone() OrchestrationState {
	out := s
	out.Data = CloneMap(s.Data)
	out.Context = CloneMap(s.Context)
	out.Metadata = CloneMap(s.Metadata)
	out.Events = make([]StateEvent, len(s.Events))
	for i, e := range s.Events {
		e.Data = CloneMap(e.Data)
		e.Metadata = CloneMap(e.Metadata)
		out.Events[i] = e
	}
	return out
}

// LastEvent returns the most recent event, if any.
func (s OrchestrationState) LastEvent() (StateEvent, bool) {
	if len(s.Events) == 0 {
		return StateEvent{}, false
	}
	return s.Events[len(s.Events)-1], true
}

// CloneMap deep-copies nested maps and slices of a JSON-like value tree.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i := range t {
			c[i] = cloneValue(t[i])
		}
		return c
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
