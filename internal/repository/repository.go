package repository

import (
	"context"

	"github.com/pagewright/pagewright/internal/domain"
)

// SiteRepository persists generated site records.
type SiteRepository interface {
	CreateSite(ctx context.Context, site *domain.Site) error
	GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error)
	GetSiteByRepoID(ctx context.Context, repoID string) (*domain.Site, error)
	UpdateSiteSource(ctx context.Context, siteID string, source []byte) error
}

// JobRepository stores deploy job lifecycle state.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.DeployJob) error
	UpdateJobStatus(ctx context.Context, update domain.JobStatusUpdate) error
	GetJobByID(ctx context.Context, jobID string) (*domain.DeployJob, error)
	ListJobsBySite(ctx context.Context, siteID string, limit int) ([]domain.DeployJob, error)
}

// DomainRepository tracks the public URL record per repo. MarkResolved must
// be a no-op for records that already resolved.
type DomainRepository interface {
	UpsertPlaceholder(ctx context.Context, repoID, placeholder string) error
	MarkResolved(ctx context.Context, repoID, resolvedDomain string) error
	GetDomainRecord(ctx context.Context, repoID string) (*domain.DomainRecord, error)
}

// LogRepository handles attempt transcript persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.JobLog) error
	ListLogsByRepo(ctx context.Context, repoID string, limit, offset int) ([]domain.JobLog, error)
}
