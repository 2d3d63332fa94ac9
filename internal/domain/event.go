package domain

import "time"

// Event types streamed to dashboard subscribers. Each job emits exactly one
// of the terminal types (resolved, build_failed, timed_out).
const (
	EventAttemptFailed  = "attempt_failed"
	EventBuildSucceeded = "build_succeeded"
	EventBuildFailed    = "build_failed"
	EventPolling        = "polling"
	EventResolved       = "resolved"
	EventTimedOut       = "timed_out"
)

// JobEvent describes a progress or terminal notification for a deploy job.
type JobEvent struct {
	RepoID    string    `json:"repo_id"`
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	Domain    string    `json:"domain,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
