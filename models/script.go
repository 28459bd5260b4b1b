package models

import "time"

// ScheduleInstant marks a script that runs once on creation or enable.
const ScheduleInstant = "instant"

type AutomationScript struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	AppID       string      `json:"app_id"`
	SessionID   string      `json:"session_id"`
	Blueprints  []Blueprint `json:"blueprints"`
	Schedule    string      `json:"schedule"`
	Enabled     bool        `json:"enabled"`
	LastRunAt   *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time  `json:"next_run_at,omitempty"`
	Runs        int         `json:"runs"`
	SuccessRate float64     `json:"success_rate"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Clone returns a copy that does not share slices or pointers.
func (s AutomationScript) Clone() AutomationScript {
	out := s
	out.Blueprints = append([]Blueprint(nil), s.Blueprints...)
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		out.NextRunAt = &t
	}
	return out
}

// ScriptRun summarizes one run of a script.
type ScriptRun struct {
	ScriptID   string            `json:"script_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Total      int               `json:"total"`
	Completed  int               `json:"completed"`
	Fraction   float64           `json:"fraction"`
	Records    []ExecutionRecord `json:"records"`
	StoppedAt  int               `json:"stopped_at"` // index of the failing blueprint, -1 when clean
	Error      string            `json:"error,omitempty"`
}
