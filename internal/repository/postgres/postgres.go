package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagewright/pagewright/internal/domain"
	"github.com/pagewright/pagewright/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SiteRepository   = (*Repository)(nil)
	_ repository.JobRepository    = (*Repository)(nil)
	_ repository.DomainRepository = (*Repository)(nil)
	_ repository.LogRepository    = (*Repository)(nil)
)

// CreateSite inserts a site record.
func (r *Repository) CreateSite(ctx context.Context, site *domain.Site) error {
	const query = `INSERT INTO sites (id, name, repo_id, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, site.ID, site.Name, site.RepoID, site.Source, site.CreatedAt, site.UpdatedAt)
	return err
}

// GetSiteByID fetches a site by identifier.
func (r *Repository) GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error) {
	const query = `SELECT id, name, repo_id, source, created_at, updated_at FROM sites WHERE id = $1`
	return r.scanSite(r.pool.QueryRow(ctx, query, siteID))
}

// GetSiteByRepoID fetches a site by its publisher-side repo identifier.
func (r *Repository) GetSiteByRepoID(ctx context.Context, repoID string) (*domain.Site, error) {
	const query = `SELECT id, name, repo_id, source, created_at, updated_at FROM sites WHERE repo_id = $1`
	return r.scanSite(r.pool.QueryRow(ctx, query, repoID))
}

// UpdateSiteSource replaces the generated source payload for a site.
func (r *Repository) UpdateSiteSource(ctx context.Context, siteID string, source []byte) error {
	const query = `UPDATE sites SET source = $2, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, siteID, source)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) scanSite(row pgx.Row) (*domain.Site, error) {
	var s domain.Site
	if err := row.Scan(&s.ID, &s.Name, &s.RepoID, &s.Source, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateJob inserts a deploy job.
func (r *Repository) CreateJob(ctx context.Context, job *domain.DeployJob) error {
	const query = `INSERT INTO deploy_jobs (id, site_id, repo_id, status, iteration, last_error, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, job.ID, job.SiteID, job.RepoID, job.Status, job.Iteration, job.LastError, job.StartedAt, job.UpdatedAt)
	return err
}

// UpdateJobStatus applies a lifecycle transition to a deploy job.
func (r *Repository) UpdateJobStatus(ctx context.Context, update domain.JobStatusUpdate) error {
	const query = `UPDATE deploy_jobs
		SET status = $2,
			iteration = GREATEST(iteration, $3),
			last_error = $4,
			completed_at = COALESCE($5, completed_at),
			updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.JobID, update.Status, update.Iteration, update.LastError, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetJobByID retrieves a deploy job.
func (r *Repository) GetJobByID(ctx context.Context, jobID string) (*domain.DeployJob, error) {
	const query = `SELECT id, site_id, repo_id, status, iteration, last_error, started_at, completed_at, updated_at
		FROM deploy_jobs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, jobID)
	var j domain.DeployJob
	if err := row.Scan(&j.ID, &j.SiteID, &j.RepoID, &j.Status, &j.Iteration, &j.LastError, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// ListJobsBySite returns recent deploy jobs for a site.
func (r *Repository) ListJobsBySite(ctx context.Context, siteID string, limit int) ([]domain.DeployJob, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, site_id, repo_id, status, iteration, last_error, started_at, completed_at, updated_at
		FROM deploy_jobs WHERE site_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.DeployJob
	for rows.Next() {
		var j domain.DeployJob
		if err := rows.Scan(&j.ID, &j.SiteID, &j.RepoID, &j.Status, &j.Iteration, &j.LastError, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpsertPlaceholder seeds or refreshes an unresolved domain record. A record
// that already resolved is left untouched.
func (r *Repository) UpsertPlaceholder(ctx context.Context, repoID, placeholder string) error {
	const query = `INSERT INTO domain_records (repo_id, domain, resolved, updated_at)
		VALUES ($1, $2, FALSE, now())
		ON CONFLICT (repo_id) DO UPDATE
		SET domain = EXCLUDED.domain, updated_at = now()
		WHERE domain_records.resolved = FALSE`
	_, err := r.pool.Exec(ctx, query, repoID, placeholder)
	return err
}

// MarkResolved finalizes the domain for a repo. The resolved flag only moves
// false to true; repeated calls and late writes are no-ops.
func (r *Repository) MarkResolved(ctx context.Context, repoID, resolvedDomain string) error {
	const query = `INSERT INTO domain_records (repo_id, domain, resolved, updated_at)
		VALUES ($1, $2, TRUE, now())
		ON CONFLICT (repo_id) DO UPDATE
		SET domain = EXCLUDED.domain, resolved = TRUE, updated_at = now()
		WHERE domain_records.resolved = FALSE`
	_, err := r.pool.Exec(ctx, query, repoID, resolvedDomain)
	return err
}

// GetDomainRecord retrieves the domain record for a repo.
func (r *Repository) GetDomainRecord(ctx context.Context, repoID string) (*domain.DomainRecord, error) {
	const query = `SELECT repo_id, domain, resolved, updated_at FROM domain_records WHERE repo_id = $1`
	row := r.pool.QueryRow(ctx, query, repoID)
	var rec domain.DomainRecord
	if err := row.Scan(&rec.RepoID, &rec.Domain, &rec.Resolved, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// AppendLog stores a transcript line.
func (r *Repository) AppendLog(ctx context.Context, entry domain.JobLog) error {
	const query = `INSERT INTO job_logs (job_id, repo_id, attempt, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, entry.JobID, entry.RepoID, entry.Attempt, entry.Level, entry.Message, entry.CreatedAt)
	return err
}

// ListLogsByRepo returns transcript lines for a repo in insertion order.
func (r *Repository) ListLogsByRepo(ctx context.Context, repoID string, limit, offset int) ([]domain.JobLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, job_id, repo_id, attempt, level, message, created_at
		FROM job_logs WHERE repo_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, repoID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.JobLog
	for rows.Next() {
		var e domain.JobLog
		if err := rows.Scan(&e.ID, &e.JobID, &e.RepoID, &e.Attempt, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
