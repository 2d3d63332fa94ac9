package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/pagewright/pagewright/internal/domain"
	"github.com/pagewright/pagewright/internal/repository"
	"github.com/pagewright/pagewright/internal/ws"
)

// Service handles attempt transcript persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// AppendAttempt stores and broadcasts the ordered transcript of one publish
// attempt. Line order is preserved; a storage failure on one line does not
// drop the rest.
func (s Service) AppendAttempt(ctx context.Context, jobID, repoID string, attempt int, lines []string) {
	now := time.Now().UTC()
	for _, line := range lines {
		entry := domain.JobLog{
			JobID:     jobID,
			RepoID:    repoID,
			Attempt:   attempt,
			Level:     "info",
			Message:   line,
			CreatedAt: now,
		}
		if err := s.repo.AppendLog(ctx, entry); err != nil {
			s.logger.Warn("failed to append job log", "job_id", jobID, "error", err)
		}
		s.broadcast(entry)
	}
}

// List returns transcript lines for a repo.
func (s Service) List(ctx context.Context, repoID string, limit, offset int) ([]domain.JobLog, error) {
	return s.repo.ListLogsByRepo(ctx, repoID, limit, offset)
}

func (s Service) broadcast(entry domain.JobLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.RepoID, data)
}

// Hub returns the streaming hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a job log line for streaming payloads.
func MarshalEntry(entry domain.JobLog) ([]byte, error) {
	payload := map[string]any{
		"job_id":     entry.JobID,
		"repo_id":    entry.RepoID,
		"attempt":    entry.Attempt,
		"level":      entry.Level,
		"message":    entry.Message,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
