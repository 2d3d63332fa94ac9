package deploy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pagewright/pagewright/internal/domain"
	"github.com/pagewright/pagewright/internal/repository"
	"github.com/pagewright/pagewright/internal/service/events"
	"github.com/pagewright/pagewright/internal/service/logs"
	"github.com/pagewright/pagewright/internal/ws"
	"github.com/pagewright/pagewright/pkg/config"
)

type fakeSiteRepo struct {
	mu            sync.Mutex
	sites         map[string]*domain.Site
	updatedSource json.RawMessage
}

func (r *fakeSiteRepo) CreateSite(ctx context.Context, site *domain.Site) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sites == nil {
		r.sites = make(map[string]*domain.Site)
	}
	r.sites[site.ID] = site
	return nil
}

func (r *fakeSiteRepo) GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	site, ok := r.sites[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *site
	return &copied, nil
}

func (r *fakeSiteRepo) GetSiteByRepoID(ctx context.Context, repoID string) (*domain.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, site := range r.sites {
		if site.RepoID == repoID {
			copied := *site
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeSiteRepo) UpdateSiteSource(ctx context.Context, siteID string, source []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updatedSource = append([]byte(nil), source...)
	return nil
}

type fakeJobRepo struct {
	mu      sync.Mutex
	jobs    map[string]*domain.DeployJob
	updates []domain.JobStatusUpdate
}

func (r *fakeJobRepo) CreateJob(ctx context.Context, job *domain.DeployJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs = make(map[string]*domain.DeployJob)
	}
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *fakeJobRepo) UpdateJobStatus(ctx context.Context, update domain.JobStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	if job, ok := r.jobs[update.JobID]; ok {
		job.Status = update.Status
		job.Iteration = update.Iteration
		job.LastError = update.LastError
		job.CompletedAt = update.CompletedAt
	}
	return nil
}

func (r *fakeJobRepo) GetJobByID(ctx context.Context, jobID string) (*domain.DeployJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *fakeJobRepo) ListJobsBySite(ctx context.Context, siteID string, limit int) ([]domain.DeployJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeployJob
	for _, job := range r.jobs {
		if job.SiteID == siteID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) lastStatus(jobID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		return job.Status
	}
	return ""
}

func (r *fakeJobRepo) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.updates))
	for i, update := range r.updates {
		out[i] = update.Status
	}
	return out
}

type fakeDomainRepo struct {
	mu          sync.Mutex
	placeholder string
	resolved    string
	record      *domain.DomainRecord
}

func (r *fakeDomainRepo) UpsertPlaceholder(ctx context.Context, repoID, placeholder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placeholder = placeholder
	r.record = &domain.DomainRecord{RepoID: repoID, Domain: placeholder, Resolved: false, UpdatedAt: time.Now().UTC()}
	return nil
}

func (r *fakeDomainRepo) MarkResolved(ctx context.Context, repoID, resolvedDomain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record != nil && r.record.Resolved {
		return nil
	}
	r.resolved = resolvedDomain
	r.record = &domain.DomainRecord{RepoID: repoID, Domain: resolvedDomain, Resolved: true, UpdatedAt: time.Now().UTC()}
	return nil
}

func (r *fakeDomainRepo) GetDomainRecord(ctx context.Context, repoID string) (*domain.DomainRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return nil, repository.ErrNotFound
	}
	copied := *r.record
	return &copied, nil
}

func (r *fakeDomainRepo) resolvedDomain() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []domain.JobLog
}

func (r *fakeLogRepo) AppendLog(ctx context.Context, entry domain.JobLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeLogRepo) ListLogsByRepo(ctx context.Context, repoID string, limit, offset int) ([]domain.JobLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobLog(nil), r.entries...), nil
}

// fakeCollaborator plays publisher and studio in one: scripted publish
// attempts, counted repairs, and a scripted domain status sequence.
type fakeCollaborator struct {
	mu             sync.Mutex
	attempts       []domain.AttemptResult
	attemptCalls   int
	repairCalls    int
	statusSequence []string
	statusCalls    int
}

func (c *fakeCollaborator) Deploy(ctx context.Context, repoID string, source json.RawMessage) (domain.AttemptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.attemptCalls
	c.attemptCalls++
	if idx < len(c.attempts) {
		return c.attempts[idx], nil
	}
	return domain.AttemptResult{Error: "script exhausted"}, nil
}

func (c *fakeCollaborator) Repair(ctx context.Context, source json.RawMessage, buildErr string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairCalls++
	return json.RawMessage(`{"repaired":true}`), nil
}

func (c *fakeCollaborator) Domain(ctx context.Context, repoID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.statusCalls
	c.statusCalls++
	if idx < len(c.statusSequence) {
		return c.statusSequence[idx], nil
	}
	return PlaceholderDomain, nil
}

func (c *fakeCollaborator) counts() (attempts, repairs, statusQueries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptCalls, c.repairCalls, c.statusCalls
}

type captureSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureSubscriber) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

func (c *captureSubscriber) Close() {}

func (c *captureSubscriber) eventTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, payload := range c.payloads {
		var event domain.JobEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decode event payload: %v", err)
		}
		out = append(out, event.Type)
	}
	return out
}

func (c *captureSubscriber) lastEvent(t *testing.T) domain.JobEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		t.Fatal("no events captured")
	}
	var event domain.JobEvent
	if err := json.Unmarshal(c.payloads[len(c.payloads)-1], &event); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	return event
}

type pipelineFixture struct {
	svc     Service
	sites   *fakeSiteRepo
	jobs    *fakeJobRepo
	domains *fakeDomainRepo
	pub     *fakeCollaborator
	sub     *captureSubscriber
}

func newPipelineFixture(t *testing.T, pub *fakeCollaborator, cfg config.APIConfig) pipelineFixture {
	t.Helper()
	logger := discardLogger()
	siteRepo := &fakeSiteRepo{sites: map[string]*domain.Site{
		"site-1": {ID: "site-1", RepoID: "repo-1", Name: "demo", Source: json.RawMessage(`{"pages":[]}`)},
	}}
	jobRepo := &fakeJobRepo{}
	domainRepo := &fakeDomainRepo{}

	eventHub := ws.NewHub(16)
	sub := &captureSubscriber{}
	eventHub.Register("repo-1", sub)

	svc := New(siteRepo, jobRepo, domainRepo,
		logs.New(&fakeLogRepo{}, nil, logger),
		events.New(eventHub, logger),
		pub, logger, cfg)
	return pipelineFixture{svc: svc, sites: siteRepo, jobs: jobRepo, domains: domainRepo, pub: pub, sub: sub}
}

func pipelineConfig() config.APIConfig {
	return config.APIConfig{
		PollInterval:     time.Millisecond,
		PollMaxAttempts:  5,
		FixMaxIterations: 3,
	}
}

func seedJob() domain.DeployJob {
	now := time.Now().UTC()
	return domain.DeployJob{ID: "job-1", SiteID: "site-1", RepoID: "repo-1", Status: StatusPending, StartedAt: now, UpdatedAt: now}
}

func TestPipelineResolvesFromReportedDomain(t *testing.T) {
	pub := &fakeCollaborator{attempts: []domain.AttemptResult{
		{Success: true, Domain: "https://real.test-bdc.pages.dev"},
	}}
	fx := newPipelineFixture(t, pub, pipelineConfig())
	job := seedJob()
	fx.jobs.CreateJob(context.Background(), &job)

	fx.svc.execute(context.Background(), job, nil)

	if got := fx.domains.resolvedDomain(); got != "https://real.test-bdc.pages.dev" {
		t.Fatalf("unexpected resolved domain %q", got)
	}
	if status := fx.jobs.lastStatus("job-1"); status != StatusResolved {
		t.Fatalf("expected resolved job, got %q", status)
	}
	if _, _, statusQueries := pub.counts(); statusQueries != 0 {
		t.Fatalf("reported domain must not trigger polling, got %d queries", statusQueries)
	}
	waitUntil(t, func() bool {
		types := fx.sub.eventTypes(t)
		return len(types) == 2 && types[0] == domain.EventBuildSucceeded && types[1] == domain.EventResolved
	})
	if event := fx.sub.lastEvent(t); event.Domain != "https://real.test-bdc.pages.dev" {
		t.Fatalf("resolved event missing domain, got %q", event.Domain)
	}
}

func TestPipelineResolvesFromLogTranscript(t *testing.T) {
	pub := &fakeCollaborator{attempts: []domain.AttemptResult{{
		Success: true,
		Domain:  PlaceholderDomain,
		LogLines: []string{
			"Compiled 12 routes",
			"Take a peek over at https://abcd1234.test-bdc.pages.dev.",
		},
	}}}
	fx := newPipelineFixture(t, pub, pipelineConfig())
	job := seedJob()
	fx.jobs.CreateJob(context.Background(), &job)

	fx.svc.execute(context.Background(), job, nil)

	if got := fx.domains.resolvedDomain(); got != "https://abcd1234.test-bdc.pages.dev" {
		t.Fatalf("expected domain from transcript, got %q", got)
	}
	if _, _, statusQueries := pub.counts(); statusQueries != 0 {
		t.Fatalf("transcript domain must not trigger polling, got %d queries", statusQueries)
	}
}

func TestPipelinePollsWhenOnlyPlaceholderKnown(t *testing.T) {
	pub := &fakeCollaborator{
		attempts: []domain.AttemptResult{{
			Success:  true,
			Domain:   PlaceholderDomain,
			LogLines: []string{"Take a peek over at " + PlaceholderDomain},
		}},
		statusSequence: []string{PlaceholderDomain, PlaceholderDomain, "https://late.test-bdc.pages.dev"},
	}
	fx := newPipelineFixture(t, pub, pipelineConfig())
	job := seedJob()
	fx.jobs.CreateJob(context.Background(), &job)

	fx.svc.execute(context.Background(), job, nil)

	fx.domains.mu.Lock()
	placeholder := fx.domains.placeholder
	fx.domains.mu.Unlock()
	if placeholder != PlaceholderDomain {
		t.Fatalf("expected placeholder record seeded, got %q", placeholder)
	}
	if got := fx.domains.resolvedDomain(); got != "https://late.test-bdc.pages.dev" {
		t.Fatalf("expected polled domain, got %q", got)
	}
	if _, _, statusQueries := pub.counts(); statusQueries != 3 {
		t.Fatalf("expected 3 status queries, got %d", statusQueries)
	}
	statuses := fx.jobs.statuses()
	if len(statuses) < 3 || statuses[len(statuses)-2] != StatusPolling || statuses[len(statuses)-1] != StatusResolved {
		t.Fatalf("expected polling then resolved, got %v", statuses)
	}
	waitUntil(t, func() bool {
		types := fx.sub.eventTypes(t)
		return len(types) == 3 && types[1] == domain.EventPolling && types[2] == domain.EventResolved
	})
}

func TestPipelineTimesOutWhenDomainNeverResolves(t *testing.T) {
	pub := &fakeCollaborator{attempts: []domain.AttemptResult{{Success: true, Domain: PlaceholderDomain}}}
	fx := newPipelineFixture(t, pub, pipelineConfig())
	job := seedJob()
	fx.jobs.CreateJob(context.Background(), &job)

	fx.svc.execute(context.Background(), job, nil)

	if status := fx.jobs.lastStatus("job-1"); status != StatusTimedOut {
		t.Fatalf("expected timed out job, got %q", status)
	}
	if got := fx.domains.resolvedDomain(); got != "" {
		t.Fatalf("timed out job must not resolve a domain, got %q", got)
	}
	if _, _, statusQueries := pub.counts(); statusQueries != 5 {
		t.Fatalf("expected attempt cap of 5 status queries, got %d", statusQueries)
	}
	waitUntil(t, func() bool {
		types := fx.sub.eventTypes(t)
		return len(types) > 0 && types[len(types)-1] == domain.EventTimedOut
	})
}

func TestPipelineReportsBuildFailureWhenRepairsExhausted(t *testing.T) {
	pub := &fakeCollaborator{attempts: []domain.AttemptResult{
		{Error: "build failed: bad import"},
		{Error: "build failed: bad import"},
		{Error: "build failed: bad import"},
	}}
	fx := newPipelineFixture(t, pub, pipelineConfig())
	job := seedJob()
	fx.jobs.CreateJob(context.Background(), &job)

	fx.svc.execute(context.Background(), job, nil)

	if status := fx.jobs.lastStatus("job-1"); status != StatusBuildFailed {
		t.Fatalf("expected build failed job, got %q", status)
	}
	attempts, repairs, _ := pub.counts()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if repairs != 2 {
		t.Fatalf("expected repairs between attempts only, got %d", repairs)
	}
	fx.sites.mu.Lock()
	updated := string(fx.sites.updatedSource)
	fx.sites.mu.Unlock()
	if updated != `{"repaired":true}` {
		t.Fatalf("expected repaired source persisted, got %q", updated)
	}
	waitUntil(t, func() bool {
		types := fx.sub.eventTypes(t)
		if len(types) != 4 {
			return false
		}
		for _, typ := range types[:3] {
			if typ != domain.EventAttemptFailed {
				return false
			}
		}
		return types[3] == domain.EventBuildFailed
	})
	if event := fx.sub.lastEvent(t); event.Error == "" {
		t.Fatal("build failed event should carry the last error")
	}
}

func TestTriggerCreatesJobAndRunsPipeline(t *testing.T) {
	pub := &fakeCollaborator{attempts: []domain.AttemptResult{
		{Success: true, Domain: "https://real.test-bdc.pages.dev"},
	}}
	fx := newPipelineFixture(t, pub, pipelineConfig())

	job, err := fx.svc.Trigger(context.Background(), "site-1")
	if err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if job.ID == "" || job.RepoID != "repo-1" || job.Status != StatusPending {
		t.Fatalf("unexpected queued job: %+v", job)
	}

	waitUntil(t, func() bool { return fx.jobs.lastStatus(job.ID) == StatusResolved })
	if got := fx.domains.resolvedDomain(); got != "https://real.test-bdc.pages.dev" {
		t.Fatalf("unexpected resolved domain %q", got)
	}
}

func TestTriggerUnknownSite(t *testing.T) {
	fx := newPipelineFixture(t, &fakeCollaborator{}, pipelineConfig())
	if _, err := fx.svc.Trigger(context.Background(), "missing"); err != repository.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
