package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flotilla-dev/flotilla/internal/git"
	"github.com/flotilla-dev/flotilla/internal/orchestrator/policy"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

// Logger is the debug-logging surface the pool needs.
type Logger interface {
	Log(format string, args ...interface{})
}

// ProgressFunc receives per-issue stage transitions for status rendering.
type ProgressFunc func(issueID string, stage models.Stage, message string)

// Config contains the collaborators and knobs for a Pool.
type Config struct {
	// RepoPath is the main checkout path.
	RepoPath string
	// BaseBranch is the auto-detected branch every git operation targets.
	BaseBranch string
	// Git runs git in the main checkout (read-only from workers).
	Git git.Runner
	// NewRunner creates runners bound to worktree directories.
	NewRunner git.RunnerFactory
	// Worktrees manages worktree lifecycle.
	Worktrees *WorktreeManager
	// Agent invokes the external code-generation agent.
	Agent AgentRunner
	// Policy holds slot count, sequential tier, and timeouts.
	Policy policy.WorkerPolicy
	// RuntimeFiles are repo-relative files copied into each worktree so the
	// agent has its runtime configuration (.env and the like).
	RuntimeFiles []string
	// Progress receives stage transitions; may be nil.
	Progress ProgressFunc
	// Logger receives debug traces; may be nil.
	Logger Logger
	// DisableLeakWatch turns the fsnotify watcher off (tests).
	DisableLeakWatch bool
}

// Pool executes issues concurrently up to a configured slot count. The
// designated highest-priority tier bypasses the slots and runs with
// concurrency 1, ahead of the pool, because those issues are too risky to
// parallelize.
type Pool struct {
	cfg   Config
	slots chan struct{}
	seqMu sync.Mutex

	// staggerMu serializes spawn staggering across concurrent dispatches.
	staggerMu sync.Mutex
	lastSpawn time.Time
}

// NewPool creates a worker pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Git == nil || cfg.NewRunner == nil || cfg.Worktrees == nil || cfg.Agent == nil {
		return nil, fmt.Errorf("worker pool is missing a required collaborator")
	}
	if cfg.Policy.Slots < 1 {
		cfg.Policy.Slots = 1
	}
	return &Pool{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.Policy.Slots),
	}, nil
}

// Dispatch runs one issue to completion and returns its result. Blocks
// until a slot is available. A canceled context yields an interrupted
// result, never a failure.
func (p *Pool) Dispatch(ctx context.Context, issue *models.Issue) *Result {
	if issue.Priority <= p.cfg.Policy.SequentialPriority {
		p.seqMu.Lock()
		defer p.seqMu.Unlock()
		return p.runIssue(ctx, issue)
	}

	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return p.interrupted(issue, "shutdown before dispatch")
	}

	p.stagger(ctx)
	return p.runIssue(ctx, issue)
}

// stagger spaces out worker starts to avoid agent CLI contention.
func (p *Pool) stagger(ctx context.Context) {
	if p.cfg.Policy.SpawnStagger <= 0 {
		return
	}

	p.staggerMu.Lock()
	wait := p.cfg.Policy.SpawnStagger - time.Since(p.lastSpawn)
	p.lastSpawn = time.Now().Add(wait)
	p.staggerMu.Unlock()

	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func (p *Pool) interrupted(issue *models.Issue, reason string) *Result {
	p.progress(issue.ID, models.StageInterrupted, reason)
	return &Result{
		IssueID: issue.ID,
		Verdict: VerdictInterrupted,
		Reason:  reason,
	}
}

func (p *Pool) progress(issueID string, stage models.Stage, msg string) {
	if p.cfg.Progress != nil {
		p.cfg.Progress(issueID, stage, msg)
	}
}

func (p *Pool) log(format string, args ...interface{}) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Log(format, args...)
	}
}
