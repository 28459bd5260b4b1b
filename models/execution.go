package models

import "time"

type CommandState string

const (
	StatePending   CommandState = "pending"
	StateRunning   CommandState = "running"
	StateCompleted CommandState = "completed"
	StateFailed    CommandState = "failed"
)

func (s CommandState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindUnknownApp        ErrorKind = "unknown_app"
	ErrorKindUnknownAction     ErrorKind = "unknown_action"
	ErrorKindDeviceUnavailable ErrorKind = "device_unavailable"
	ErrorKindSelectorFailed    ErrorKind = "selector_resolution_failed"
	ErrorKindTransport         ErrorKind = "transport"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindConnection        ErrorKind = "connection"
	ErrorKindNotFound          ErrorKind = "not_found"
	ErrorKindInternal          ErrorKind = "internal"
)

type ExecutionMode string

const (
	ModeVisible ExecutionMode = "visible"
	ModeShadow  ExecutionMode = "shadow"
)

// ExecutionPlan is what the behavior emulator decided for one command.
type ExecutionPlan struct {
	Mode       ExecutionMode `json:"mode"`
	PreDelayMs int           `json:"pre_delay_ms"`
	DurationMs int           `json:"duration_ms"`
	Path       []Point       `json:"path,omitempty"`
}

type StateEntry struct {
	State CommandState `json:"state"`
	At    time.Time    `json:"at"`
}

// Transition is one lifecycle step appended to the ledger. Command is set on
// the Pending transition that opens a record; Plan is set when Running.
type Transition struct {
	CommandID     string
	State         CommandState
	At            time.Time
	ResultSummary string
	ErrorKind     ErrorKind
	Withdrawn     bool
	Command       *Command
	Plan          *ExecutionPlan
}

type ExecutionRecord struct {
	CommandID     string         `json:"command_id"`
	AppID         string         `json:"app_id"`
	SessionID     string         `json:"session_id"`
	Action        ActionKind     `json:"action"`
	CausedBy      string         `json:"caused_by,omitempty"`
	State         CommandState   `json:"state"`
	Transitions   []StateEntry   `json:"transitions"`
	ResultSummary string         `json:"result_summary,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	Withdrawn     bool           `json:"withdrawn,omitempty"`
	Plan          *ExecutionPlan `json:"plan,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EnteredAt returns when the record entered the given state.
func (r ExecutionRecord) EnteredAt(state CommandState) (time.Time, bool) {
	for _, e := range r.Transitions {
		if e.State == state {
			return e.At, true
		}
	}
	return time.Time{}, false
}

// Clone returns a deep copy safe to hand to callers.
func (r ExecutionRecord) Clone() ExecutionRecord {
	out := r
	out.Transitions = append([]StateEntry(nil), r.Transitions...)
	if r.Plan != nil {
		p := *r.Plan
		p.Path = append([]Point(nil), r.Plan.Path...)
		out.Plan = &p
	}
	return out
}

type HistoryFilter struct {
	AppID     string
	SessionID string
	State     CommandState
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Match reports whether the record passes every predicate set on the filter.
func (f HistoryFilter) Match(r ExecutionRecord) bool {
	if f.AppID != "" && r.AppID != f.AppID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.State != "" && r.State != f.State {
		return false
	}
	if !f.Since.IsZero() && r.UpdatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.UpdatedAt.After(f.Until) {
		return false
	}
	return true
}
