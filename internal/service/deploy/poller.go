package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollAttempts = 40
)

// StatusSource reports the domain currently assigned to a repo.
type StatusSource interface {
	Domain(ctx context.Context, repoID string) (string, error)
}

// PollOutcome is the terminal outcome of one polling session.
type PollOutcome string

const (
	PollResolved   PollOutcome = "resolved"
	PollTimedOut   PollOutcome = "timed_out"
	PollCancelled  PollOutcome = "cancelled"
	PollSuperseded PollOutcome = "superseded"
)

// PollResult summarizes a finished polling session.
type PollResult struct {
	Outcome  PollOutcome
	Domain   string
	Attempts int
}

var errStillPlaceholder = errors.New("domain still placeholder")

// Poller resolves placeholder domains by querying the status source on a
// fixed interval, bounded by a per-session attempt cap. At most one session
// runs per repo: starting a new session supersedes the prior one.
type Poller struct {
	status      StatusSource
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*pollSession
}

type pollSession struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	superseded bool
}

// NewPoller constructs a Poller.
func NewPoller(status StatusSource, interval time.Duration, maxAttempts int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultPollAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		status:      status,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "poller"),
		sessions:    make(map[string]*pollSession),
	}
}

// Poll runs one polling session for repoID and blocks until it resolves,
// exhausts its attempt cap, is cancelled, or is superseded by a newer session
// for the same repo. A cancelled or superseded session reports no domain.
func (p *Poller) Poll(ctx context.Context, repoID string) PollResult {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	session := p.begin(repoID, cancel)
	defer p.end(repoID, session)

	attempts := 0
	var resolved string
	backoff := retry.WithMaxRetries(uint64(p.maxAttempts-1), retry.NewConstant(p.interval))
	err := retry.Do(sessionCtx, backoff, func(tickCtx context.Context) error {
		attempts++
		current, err := p.status.Domain(tickCtx, repoID)
		if err != nil {
			// Transient failure consumes the tick but never ends the session.
			p.logger.Warn("status query failed", "repo_id", repoID, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		if current == "" || IsPlaceholder(current) {
			return retry.RetryableError(errStillPlaceholder)
		}
		resolved = current
		return nil
	})

	switch {
	case sessionCtx.Err() != nil:
		// Cancellation wins even when an in-flight query came back with a
		// real domain: a cancelled or superseded session must never report
		// a resolution.
		outcome := PollCancelled
		if session.wasSuperseded() {
			outcome = PollSuperseded
		}
		p.logger.Info("polling session ended early", "repo_id", repoID, "outcome", string(outcome), "attempts", attempts)
		return PollResult{Outcome: outcome, Attempts: attempts}
	case err == nil:
		p.logger.Info("domain resolved", "repo_id", repoID, "domain", resolved, "attempts", attempts)
		return PollResult{Outcome: PollResolved, Domain: resolved, Attempts: attempts}
	default:
		p.logger.Warn("domain resolution timed out", "repo_id", repoID, "attempts", attempts)
		return PollResult{Outcome: PollTimedOut, Attempts: attempts}
	}
}

// Cancel stops the in-flight session for repoID, if any. Idempotent; a
// cancelled session emits no resolution.
func (p *Poller) Cancel(repoID string) {
	p.mu.Lock()
	session, ok := p.sessions[repoID]
	p.mu.Unlock()
	if ok {
		session.cancel()
	}
}

func (p *Poller) begin(repoID string, cancel context.CancelFunc) *pollSession {
	session := &pollSession{cancel: cancel}
	p.mu.Lock()
	prior := p.sessions[repoID]
	p.sessions[repoID] = session
	p.mu.Unlock()
	if prior != nil {
		prior.markSuperseded()
		prior.cancel()
	}
	return session
}

func (p *Poller) end(repoID string, session *pollSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[repoID] == session {
		delete(p.sessions, repoID)
	}
}

func (s *pollSession) markSuperseded() {
	s.mu.Lock()
	s.superseded = true
	s.mu.Unlock()
}

func (s *pollSession) wasSuperseded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superseded
}
