package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flotilla-dev/flotilla/internal/git"
	"github.com/flotilla-dev/flotilla/internal/orchestrator/policy"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

// fakeGit implements git.Runner with overridable hooks. Unhooked methods
// succeed and do nothing.
type fakeGit struct {
	mu    sync.Mutex
	calls []string

	statusOut    string
	statusPath   func(path string) (string, error)
	hasDirty     bool
	rebase       func(base string) error
	changedFiles []string
	worktreeList string
}

func (f *fakeGit) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGit) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, name) {
			return true
		}
	}
	return false
}

func (f *fakeGit) CurrentBranch() (string, error)         { return "main", nil }
func (f *fakeGit) CheckoutBranch(name string) error       { return nil }
func (f *fakeGit) BranchExists(name string) (bool, error) { return true, nil }
func (f *fakeGit) DeleteBranch(name string) error         { return nil }
func (f *fakeGit) RevParse(ref string) (string, error)    { return "abcdef1234567890", nil }
func (f *fakeGit) Status() (string, error)                { return f.statusOut, nil }

func (f *fakeGit) StatusPath(path string) (string, error) {
	if f.statusPath != nil {
		return f.statusPath(path)
	}
	return "", nil
}

func (f *fakeGit) HasChanges() (bool, error) { return f.hasDirty, nil }

func (f *fakeGit) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	return f.changedFiles, nil
}

func (f *fakeGit) ConflictedFiles() ([]string, error) { return nil, nil }
func (f *fakeGit) CheckoutPath(path string) error     { f.record("checkout-path " + path); return nil }
func (f *fakeGit) CleanPath(path string) error        { f.record("clean-path " + path); return nil }
func (f *fakeGit) AddAll() error                      { f.record("add-all"); return nil }
func (f *fakeGit) Commit(message string) error        { f.record("commit"); return nil }
func (f *fakeGit) MergeNoFF(branch, message string) error { return nil }
func (f *fakeGit) MergeAbort() error                  { return nil }

func (f *fakeGit) Rebase(base string) error {
	f.record("rebase " + base)
	if f.rebase != nil {
		return f.rebase(base)
	}
	return nil
}

func (f *fakeGit) RebaseAbort() error       { f.record("rebase-abort"); return nil }
func (f *fakeGit) HasRemote() (bool, error) { return false, nil }
func (f *fakeGit) Fetch() error             { return nil }
func (f *fakeGit) PullRebase() error        { return nil }

func (f *fakeGit) StashPush(message string, exclude []string) error { return nil }
func (f *fakeGit) StashPop() error                                  { return nil }

func (f *fakeGit) WorktreeAddFrom(path, branch, ref string) error {
	f.record("worktree-add " + branch)
	return nil
}

func (f *fakeGit) WorktreeRemove(path string) error {
	f.record("worktree-remove " + path)
	return nil
}

func (f *fakeGit) WorktreeListPorcelain() (string, error) { return f.worktreeList, nil }
func (f *fakeGit) WorktreePrune() error                   { return nil }
func (f *fakeGit) DetectBaseBranch() (string, error)      { return "main", nil }
func (f *fakeGit) Run(args ...string) (string, error)     { return "", nil }

// fakeAgent tracks concurrency and blocks until its context ends when
// blocking is set.
type fakeAgent struct {
	blocking bool
	exitCode int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (a *fakeAgent) Run(ctx context.Context, workDir string, issue *models.Issue) (*AgentOutcome, error) {
	now := a.inFlight.Add(1)
	for {
		max := a.maxInFlight.Load()
		if now <= max || a.maxInFlight.CompareAndSwap(max, now) {
			break
		}
	}
	defer a.inFlight.Add(-1)

	if a.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(2 * time.Millisecond)
	return &AgentOutcome{ExitCode: a.exitCode, Duration: 2 * time.Millisecond}, nil
}

func newTestPool(t *testing.T, g *fakeGit, agent AgentRunner, pol policy.WorkerPolicy) *Pool {
	t.Helper()
	worktrees, err := NewWorktreeManager(t.TempDir(), t.TempDir(), g)
	if err != nil {
		t.Fatalf("worktree manager: %v", err)
	}
	pool, err := NewPool(Config{
		RepoPath:         t.TempDir(),
		BaseBranch:       "main",
		Git:              g,
		NewRunner:        func(dir string) git.Runner { return g },
		Worktrees:        worktrees,
		Agent:            agent,
		Policy:           pol,
		DisableLeakWatch: true,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool
}

func defaultWorkerPolicy() policy.WorkerPolicy {
	return policy.WorkerPolicy{
		Slots:              3,
		SequentialPriority: models.PriorityCritical,
		AgentTimeout:       time.Second,
	}
}

func TestDispatchSuccess(t *testing.T) {
	g := &fakeGit{changedFiles: []string{"x.go"}}
	pool := newTestPool(t, g, &fakeAgent{}, defaultWorkerPolicy())

	result := pool.Dispatch(context.Background(), &models.Issue{ID: "a", Title: "A", Priority: models.PriorityNormal})
	if result.Verdict != VerdictSuccess {
		t.Fatalf("expected success, got %s (%s)", result.Verdict, result.Reason)
	}
	if !strings.HasPrefix(result.Branch, "flotilla/a-") {
		t.Errorf("branch should carry the issue prefix, got %q", result.Branch)
	}
	if len(result.ChangedFiles) != 1 || result.ChangedFiles[0] != "x.go" {
		t.Errorf("expected changed files from diff, got %v", result.ChangedFiles)
	}
	if !g.called("rebase main") {
		t.Error("branch should rebase onto the base before returning")
	}
	if !g.called("worktree-remove") {
		t.Error("successful workers remove their worktree")
	}
}

func TestDispatchCommitsUncommittedWork(t *testing.T) {
	g := &fakeGit{hasDirty: true, changedFiles: []string{"x.go"}}
	pool := newTestPool(t, g, &fakeAgent{}, defaultWorkerPolicy())

	result := pool.Dispatch(context.Background(), &models.Issue{ID: "a", Priority: models.PriorityNormal})
	if result.Verdict != VerdictSuccess {
		t.Fatalf("expected success, got %s (%s)", result.Verdict, result.Reason)
	}
	if !g.called("add-all") || !g.called("commit") {
		t.Error("dirty worktree should be committed before the rebase")
	}
}

func TestSequentialTierRunsOneAtATime(t *testing.T) {
	g := &fakeGit{changedFiles: []string{"x.go"}}
	agent := &fakeAgent{}
	pool := newTestPool(t, g, agent, defaultWorkerPolicy())

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			pool.Dispatch(context.Background(), &models.Issue{ID: id, Priority: models.PriorityCritical})
		}(id)
	}
	wg.Wait()

	if agent.maxInFlight.Load() != 1 {
		t.Errorf("critical issues must run one at a time, saw %d concurrent", agent.maxInFlight.Load())
	}
}

func TestParallelRespectsSlots(t *testing.T) {
	g := &fakeGit{changedFiles: []string{"x.go"}}
	agent := &fakeAgent{}
	pol := defaultWorkerPolicy()
	pol.Slots = 2
	pool := newTestPool(t, g, agent, pol)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			pool.Dispatch(context.Background(), &models.Issue{ID: id, Priority: models.PriorityNormal})
		}(id)
	}
	wg.Wait()

	if agent.maxInFlight.Load() > 2 {
		t.Errorf("slot count exceeded: saw %d concurrent workers", agent.maxInFlight.Load())
	}
}

func TestCancellationInterruptsAgent(t *testing.T) {
	g := &fakeGit{}
	pool := newTestPool(t, g, &fakeAgent{blocking: true}, defaultWorkerPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := pool.Dispatch(ctx, &models.Issue{ID: "a", Priority: models.PriorityNormal})
	if result.Verdict != VerdictInterrupted {
		t.Fatalf("cancellation must interrupt, not fail: got %s (%s)", result.Verdict, result.Reason)
	}
	if g.called("worktree-remove") {
		t.Error("interrupted workers leave their worktree for inspection")
	}
}

func TestAgentTimeoutFails(t *testing.T) {
	g := &fakeGit{}
	pol := defaultWorkerPolicy()
	pol.AgentTimeout = 10 * time.Millisecond
	pool := newTestPool(t, g, &fakeAgent{blocking: true}, pol)

	result := pool.Dispatch(context.Background(), &models.Issue{ID: "a", Priority: models.PriorityNormal})
	if result.Verdict != VerdictFailure {
		t.Fatalf("a timed-out agent is a failure, got %s", result.Verdict)
	}
	if !strings.Contains(result.Reason, "timed out") {
		t.Errorf("reason should mention the timeout, got %q", result.Reason)
	}
	if !g.called("worktree-remove") {
		t.Error("failed workers remove their worktree")
	}
}

func TestAgentNonZeroExitFails(t *testing.T) {
	g := &fakeGit{}
	pool := newTestPool(t, g, &fakeAgent{exitCode: 2}, defaultWorkerPolicy())

	result := pool.Dispatch(context.Background(), &models.Issue{ID: "a", Priority: models.PriorityNormal})
	if result.Verdict != VerdictFailure {
		t.Fatalf("expected failure, got %s", result.Verdict)
	}
	if !strings.Contains(result.Reason, "code 2") {
		t.Errorf("reason should carry the exit code, got %q", result.Reason)
	}
}

func TestRebaseConflictFails(t *testing.T) {
	g := &fakeGit{
		rebase: func(base string) error { return errors.New("conflict in x.go") },
	}
	pool := newTestPool(t, g, &fakeAgent{}, defaultWorkerPolicy())

	result := pool.Dispatch(context.Background(), &models.Issue{ID: "a", Priority: models.PriorityNormal})
	if result.Verdict != VerdictFailure {
		t.Fatalf("expected failure, got %s (%s)", result.Verdict, result.Reason)
	}
	if !strings.Contains(result.Reason, "rebase") {
		t.Errorf("reason should mention the rebase, got %q", result.Reason)
	}
	if !g.called("rebase-abort") {
		t.Error("a conflicted rebase must be aborted")
	}
}

func TestCancelledBeforeDispatch(t *testing.T) {
	g := &fakeGit{}
	pool := newTestPool(t, g, &fakeAgent{}, defaultWorkerPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := pool.Dispatch(ctx, &models.Issue{ID: "a", Priority: models.PriorityNormal})
	if result.Verdict != VerdictInterrupted {
		t.Fatalf("pre-cancelled dispatch must interrupt, got %s", result.Verdict)
	}
	if g.called("worktree-add") {
		t.Error("no worktree should be created after cancellation")
	}
}
