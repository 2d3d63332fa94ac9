package deploy

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/pagewright/pagewright/internal/domain"
	"github.com/pagewright/pagewright/internal/repository"
	"github.com/pagewright/pagewright/internal/service/events"
	"github.com/pagewright/pagewright/internal/service/logs"
	"github.com/pagewright/pagewright/pkg/config"
)

// Status values for deploy jobs.
const (
	StatusPending     = "pending"
	StatusBuilding    = "building"
	StatusPolling     = "polling"
	StatusResolved    = "resolved"
	StatusBuildFailed = "build_failed"
	StatusTimedOut    = "timed_out"
)

// Publisher bundles the external collaborators the pipeline drives: publish
// attempts, source repair, and domain status queries.
type Publisher interface {
	AttemptRunner
	Repairer
	StatusSource
}

// Service orchestrates the deploy pipeline for generated sites: bounded
// fix/publish attempts, then domain resolution from logs or by polling.
type Service struct {
	sites      repository.SiteRepository
	jobs       repository.JobRepository
	domains    repository.DomainRepository
	logSvc     logs.Service
	events     events.Service
	publisher  Publisher
	poller     *Poller
	repairable func(string) bool
	maxFixes   int
	logger     *slog.Logger
}

// New returns a deploy service.
func New(sites repository.SiteRepository, jobs repository.JobRepository, domains repository.DomainRepository, logSvc logs.Service, eventSvc events.Service, pub Publisher, logger *slog.Logger, cfg config.APIConfig) Service {
	initMetrics()
	return Service{
		sites:      sites,
		jobs:       jobs,
		domains:    domains,
		logSvc:     logSvc,
		events:     eventSvc,
		publisher:  pub,
		poller:     NewPoller(pub, cfg.PollInterval, cfg.PollMaxAttempts, logger),
		repairable: PatternRepairable(cfg.RepairablePatterns),
		maxFixes:   cfg.FixMaxIterations,
		logger:     logger,
	}
}

// Trigger creates a deploy job for a site and starts the pipeline in the
// background. The job record is returned immediately; progress and the
// terminal outcome arrive through job status and the event stream.
func (s Service) Trigger(ctx context.Context, siteID string) (*domain.DeployJob, error) {
	site, err := s.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job := &domain.DeployJob{
		ID:        uuid.NewString(),
		SiteID:    site.ID,
		RepoID:    site.RepoID,
		Status:    StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("deploy job queued", "job_id", job.ID, "site_id", site.ID, "repo_id", site.RepoID)
	go s.execute(context.WithoutCancel(ctx), *job, site.Source)
	return job, nil
}

// execute runs the whole pipeline for one job. Jobs are isolated: each runs
// in its own goroutine and touches only its own rows and poll session.
func (s Service) execute(ctx context.Context, job domain.DeployJob, source json.RawMessage) {
	s.updateStatus(ctx, domain.JobStatusUpdate{JobID: job.ID, Status: StatusBuilding})

	fixer := NewAutoFixer(s.publisher, s.publisher, s.repairable, s.maxFixes, s.logger)
	fixer.OnAttempt(func(iteration int, result domain.AttemptResult) {
		s.logSvc.AppendAttempt(ctx, job.ID, job.RepoID, iteration, result.LogLines)
		s.updateStatus(ctx, domain.JobStatusUpdate{JobID: job.ID, Status: StatusBuilding, Iteration: iteration, LastError: result.Error})
		if !result.Success {
			s.events.Publish(domain.JobEvent{
				RepoID:  job.RepoID,
				JobID:   job.ID,
				Type:    domain.EventAttemptFailed,
				Error:   result.Error,
				Attempt: iteration,
			})
		}
	})

	result, runErr := fixer.Run(ctx, job.RepoID, source)
	recordIterations(result.Iterations)
	if runErr != nil {
		s.logger.Warn("deploy pipeline stopped", "job_id", job.ID, "error", runErr)
		return
	}
	if len(result.Source) > 0 {
		if err := s.sites.UpdateSiteSource(ctx, job.SiteID, result.Source); err != nil {
			s.logger.Warn("failed to persist repaired source", "site_id", job.SiteID, "error", err)
		}
	}

	if result.State != FixSuccess {
		completed := time.Now().UTC()
		s.updateStatus(ctx, domain.JobStatusUpdate{
			JobID:       job.ID,
			Status:      StatusBuildFailed,
			Iteration:   result.Iterations,
			LastError:   result.LastError,
			CompletedAt: &completed,
		})
		s.events.Publish(domain.JobEvent{
			RepoID:  job.RepoID,
			JobID:   job.ID,
			Type:    domain.EventBuildFailed,
			Error:   result.LastError,
			Attempt: result.Iterations,
		})
		recordOutcome(StatusBuildFailed)
		return
	}

	s.events.Publish(domain.JobEvent{
		RepoID:  job.RepoID,
		JobID:   job.ID,
		Type:    domain.EventBuildSucceeded,
		Attempt: result.Iterations,
	})

	if final := s.finalDomain(result.Attempt); final != "" {
		s.resolve(ctx, job, result.Iterations, final)
		return
	}

	// Placeholder everywhere: seed the record and hand off to polling.
	if err := s.domains.UpsertPlaceholder(ctx, job.RepoID, PlaceholderDomain); err != nil {
		s.logger.Warn("failed to seed domain record", "repo_id", job.RepoID, "error", err)
	}
	s.updateStatus(ctx, domain.JobStatusUpdate{JobID: job.ID, Status: StatusPolling, Iteration: result.Iterations})
	s.events.Publish(domain.JobEvent{RepoID: job.RepoID, JobID: job.ID, Type: domain.EventPolling})

	pollResult := s.poller.Poll(ctx, job.RepoID)
	recordPollSession(pollResult.Outcome)
	switch pollResult.Outcome {
	case PollResolved:
		s.resolve(ctx, job, result.Iterations, pollResult.Domain)
	case PollTimedOut:
		completed := time.Now().UTC()
		s.updateStatus(ctx, domain.JobStatusUpdate{
			JobID:       job.ID,
			Status:      StatusTimedOut,
			Iteration:   result.Iterations,
			CompletedAt: &completed,
		})
		s.events.Publish(domain.JobEvent{RepoID: job.RepoID, JobID: job.ID, Type: domain.EventTimedOut})
		recordOutcome(StatusTimedOut)
	default:
		// Cancelled or superseded sessions end without a terminal event;
		// the job keeps its placeholder state.
		s.logger.Info("polling ended without resolution", "job_id", job.ID, "outcome", string(pollResult.Outcome))
	}
}

// finalDomain applies the placeholder check to the synchronously reported
// domain first, then falls back to the log transcript. Empty means unknown.
func (s Service) finalDomain(attempt domain.AttemptResult) string {
	if reported := strings.TrimSpace(attempt.Domain); reported != "" && !IsPlaceholder(reported) {
		return reported
	}
	if extracted, ok := ExtractDomain(attempt.Transcript()); ok && !IsPlaceholder(extracted) {
		return extracted
	}
	return ""
}

func (s Service) resolve(ctx context.Context, job domain.DeployJob, iterations int, resolvedDomain string) {
	if err := s.domains.MarkResolved(ctx, job.RepoID, resolvedDomain); err != nil {
		s.logger.Error("failed to mark domain resolved", "repo_id", job.RepoID, "error", err)
	}
	completed := time.Now().UTC()
	s.updateStatus(ctx, domain.JobStatusUpdate{
		JobID:       job.ID,
		Status:      StatusResolved,
		Iteration:   iterations,
		CompletedAt: &completed,
	})
	s.events.Publish(domain.JobEvent{
		RepoID: job.RepoID,
		JobID:  job.ID,
		Type:   domain.EventResolved,
		Domain: resolvedDomain,
	})
	recordOutcome(StatusResolved)
	s.logger.Info("deployment resolved", "job_id", job.ID, "repo_id", job.RepoID, "domain", resolvedDomain)
}

// CancelPolling stops any in-flight polling session for the repo. Safe to
// call when no session is running.
func (s Service) CancelPolling(repoID string) {
	s.poller.Cancel(repoID)
}

// Job returns a deploy job by ID.
func (s Service) Job(ctx context.Context, jobID string) (*domain.DeployJob, error) {
	return s.jobs.GetJobByID(ctx, jobID)
}

// ListBySite returns recent deploy jobs for a site.
func (s Service) ListBySite(ctx context.Context, siteID string, limit int) ([]domain.DeployJob, error) {
	return s.jobs.ListJobsBySite(ctx, siteID, limit)
}

// DomainRecord returns the current domain record for a repo.
func (s Service) DomainRecord(ctx context.Context, repoID string) (*domain.DomainRecord, error) {
	return s.domains.GetDomainRecord(ctx, repoID)
}

func (s Service) updateStatus(ctx context.Context, update domain.JobStatusUpdate) {
	if err := s.jobs.UpdateJobStatus(ctx, update); err != nil {
		s.logger.Warn("update job status failed", "job_id", update.JobID, "error", err)
	}
}
