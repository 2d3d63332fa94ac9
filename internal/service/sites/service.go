package sites

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/pagewright/pagewright/internal/domain"
	"github.com/pagewright/pagewright/internal/repository"
)

// Service manages the site records deploy jobs hang off. Full project
// management lives in the dashboard shell; this covers only what the
// pipeline needs.
type Service struct {
	repo   repository.SiteRepository
	logger *slog.Logger
}

// New constructs a site service.
func New(repo repository.SiteRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// CreateInput carries the fields for registering a generated site.
type CreateInput struct {
	Name   string          `json:"name"`
	RepoID string          `json:"repo_id"`
	Source json.RawMessage `json:"source"`
}

// Create registers a generated site and its publisher-side repo identifier.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Site, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("name is required")
	}
	repoID := strings.TrimSpace(input.RepoID)
	if repoID == "" {
		return nil, errors.New("repo_id is required")
	}
	source := input.Source
	if len(source) == 0 {
		source = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	site := &domain.Site{
		ID:        uuid.NewString(),
		Name:      name,
		RepoID:    repoID,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateSite(ctx, site); err != nil {
		return nil, err
	}
	s.logger.Info("site registered", "site_id", site.ID, "repo_id", site.RepoID)
	return site, nil
}

// Get returns a site by ID.
func (s Service) Get(ctx context.Context, siteID string) (*domain.Site, error) {
	return s.repo.GetSiteByID(ctx, siteID)
}

// GetByRepo returns a site by its publisher-side repo identifier.
func (s Service) GetByRepo(ctx context.Context, repoID string) (*domain.Site, error) {
	return s.repo.GetSiteByRepoID(ctx, repoID)
}
