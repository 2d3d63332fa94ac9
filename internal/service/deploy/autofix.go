package deploy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pagewright/pagewright/internal/domain"
)

const defaultMaxIterations = 15

// AttemptRunner executes a single publish attempt for a repo.
type AttemptRunner interface {
	Deploy(ctx context.Context, repoID string, source json.RawMessage) (domain.AttemptResult, error)
}

// Repairer regenerates failing site source from the build error.
type Repairer interface {
	Repair(ctx context.Context, source json.RawMessage, buildErr string) (json.RawMessage, error)
}

// FixState is the terminal state of an auto-fix run.
type FixState string

const (
	// FixSuccess means an attempt published successfully within the cap.
	FixSuccess FixState = "success"
	// FixTerminal means the run ended without a successful attempt.
	FixTerminal FixState = "terminal"
)

// FixResult summarizes an auto-fix run. On FixSuccess, Attempt holds the
// successful attempt's result; Iterations counts attempts actually performed.
type FixResult struct {
	State      FixState
	Attempt    domain.AttemptResult
	Iterations int
	LastError  string
	Source     json.RawMessage
}

// AutoFixer drives bounded, strictly sequential publish attempts for one job,
// repairing the generated source between failed attempts.
type AutoFixer struct {
	runner        AttemptRunner
	repairer      Repairer
	repairable    func(string) bool
	maxIterations int
	logger        *slog.Logger
	onAttempt     func(iteration int, result domain.AttemptResult)
}

// NewAutoFixer constructs an AutoFixer. A nil repairable predicate treats
// every failed attempt as repairable.
func NewAutoFixer(runner AttemptRunner, repairer Repairer, repairable func(string) bool, maxIterations int, logger *slog.Logger) *AutoFixer {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	if repairable == nil {
		repairable = func(string) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoFixer{
		runner:        runner,
		repairer:      repairer,
		repairable:    repairable,
		maxIterations: maxIterations,
		logger:        logger.With("component", "autofix"),
	}
}

// OnAttempt registers a hook invoked after each completed attempt, before the
// next one begins. Attempts never overlap, so the hook needs no locking.
func (f *AutoFixer) OnAttempt(hook func(iteration int, result domain.AttemptResult)) {
	f.onAttempt = hook
}

// Run performs up to maxIterations publish attempts, repairing the source
// after each repairable failure. Each attempt completes fully before the next
// begins. The returned error is non-nil only for context cancellation.
func (f *AutoFixer) Run(ctx context.Context, repoID string, source json.RawMessage) (FixResult, error) {
	var lastErr string
	for iteration := 1; iteration <= f.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return FixResult{State: FixTerminal, Iterations: iteration - 1, LastError: lastErr, Source: source}, err
		}

		result, err := f.runner.Deploy(ctx, repoID, source)
		if err != nil {
			// A transport failure is an attempt outcome like any other.
			result = domain.AttemptResult{Error: err.Error()}
		}
		if f.onAttempt != nil {
			f.onAttempt(iteration, result)
		}

		if result.Success {
			f.logger.Info("publish attempt succeeded", "repo_id", repoID, "iteration", iteration)
			return FixResult{State: FixSuccess, Attempt: result, Iterations: iteration, Source: source}, nil
		}

		lastErr = result.Error
		if lastErr == "" {
			lastErr = "publish attempt failed without error detail"
		}
		f.logger.Warn("publish attempt failed", "repo_id", repoID, "iteration", iteration, "error", lastErr)

		if !f.repairable(lastErr) {
			f.logger.Warn("error not repairable, giving up", "repo_id", repoID, "iteration", iteration)
			return FixResult{State: FixTerminal, Attempt: result, Iterations: iteration, LastError: lastErr, Source: source}, nil
		}
		if iteration == f.maxIterations {
			break
		}

		repaired, err := f.repairer.Repair(ctx, source, lastErr)
		if err != nil {
			f.logger.Error("repair step failed", "repo_id", repoID, "iteration", iteration, "error", err)
			return FixResult{State: FixTerminal, Iterations: iteration, LastError: err.Error(), Source: source}, nil
		}
		source = repaired
	}
	return FixResult{State: FixTerminal, Iterations: f.maxIterations, LastError: lastErr, Source: source}, nil
}

// PatternRepairable builds a repairable-error predicate from substring
// patterns. An empty pattern list means every failure is repairable.
func PatternRepairable(patterns []string) func(string) bool {
	if len(patterns) == 0 {
		return func(string) bool { return true }
	}
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if trimmed := strings.ToLower(strings.TrimSpace(p)); trimmed != "" {
			lowered = append(lowered, trimmed)
		}
	}
	return func(msg string) bool {
		msg = strings.ToLower(msg)
		for _, p := range lowered {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
}
