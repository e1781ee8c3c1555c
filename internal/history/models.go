package history

import "time"

// Attempt statuses
const (
	StatusAccepted = "accepted"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
)

// Attempt represents a single deployment attempt and its outcome
type Attempt struct {
	ID              int64      `json:"id"`
	Project         string     `json:"project"`
	Repo            string     `json:"repo"`
	Branch          string     `json:"branch"`
	Ref             string     `json:"ref"`
	TriggeredBy     string     `json:"triggered_by"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
}

// Finished reports whether the attempt reached a terminal outcome
func (a *Attempt) Finished() bool {
	switch a.Status {
	case StatusSuccess, StatusFailed, StatusTimeout:
		return true
	}
	return false
}
