package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pagewright/pagewright/internal/domain"
	"github.com/pagewright/pagewright/internal/ws"
)

// Service broadcasts job progress and terminal events to stream subscribers.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an event service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// Publish stamps and broadcasts an event to the repo's subscribers.
func (s Service) Publish(event domain.JobEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal job event", "repo_id", event.RepoID, "error", err)
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(event.RepoID, payload)
	}
	s.logger.Info("job event", "repo_id", event.RepoID, "job_id", event.JobID, "type", event.Type)
}

// Hub returns the streaming hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}
