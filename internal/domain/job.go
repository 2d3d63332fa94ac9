package domain

import (
	"strings"
	"time"
)

// DeployJob captures one deploy request driven through the fix/publish pipeline.
type DeployJob struct {
	ID          string     `json:"id"`
	SiteID      string     `json:"site_id"`
	RepoID      string     `json:"repo_id"`
	Status      string     `json:"status"`
	Iteration   int        `json:"iteration"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobStatusUpdate captures mutable fields for a deploy job.
type JobStatusUpdate struct {
	JobID       string
	Status      string
	Iteration   int
	LastError   string
	CompletedAt *time.Time
}

// AttemptResult is the immutable outcome of a single publish attempt.
type AttemptResult struct {
	Success  bool     `json:"success"`
	Domain   string   `json:"domain"`
	LogLines []string `json:"log_lines"`
	Error    string   `json:"error"`
}

// Transcript joins the ordered attempt log lines into a single text block.
func (r AttemptResult) Transcript() string {
	return strings.Join(r.LogLines, "\n")
}
