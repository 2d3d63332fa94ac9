package domain

import "time"

// JobLog is a single transcript line captured from a publish attempt.
type JobLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	RepoID    string    `json:"repo_id"`
	Attempt   int       `json:"attempt"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
