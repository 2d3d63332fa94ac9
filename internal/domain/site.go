package domain

import (
	"encoding/json"
	"time"
)

// Site is a generated website the pipeline deploys on behalf of the dashboard.
type Site struct {
	ID        string
	Name      string
	RepoID    string
	Source    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DomainRecord tracks the public URL assigned to a repo. Resolved is
// monotonic: once true it never reverts to a placeholder state.
type DomainRecord struct {
	RepoID    string    `json:"repo_id"`
	Domain    string    `json:"domain"`
	Resolved  bool      `json:"resolved"`
	UpdatedAt time.Time `json:"updated_at"`
}
