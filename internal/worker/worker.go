package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// runIssue executes the full per-issue sequence: worktree setup, agent
// execution, leak recovery, commit, late rebase, and diff. Success and
// failure both remove the worktree (the branch survives for the merge
// coordinator or for inspection); interruption leaves the worktree behind
// for orphan cleanup.
func (p *Pool) runIssue(ctx context.Context, issue *models.Issue) *Result {
	start := time.Now()
	result := &Result{IssueID: issue.ID}
	finish := func() *Result {
		result.Duration = time.Since(start)
		return result
	}

	if ctx.Err() != nil {
		return p.interrupted(issue, "shutdown before setup")
	}

	p.progress(issue.ID, models.StageSetup, "creating worktree")

	// Pin the base tip now so every issue in the wave branches from the
	// same point regardless of merges landing while it waits for a slot.
	baseTip, err := p.cfg.Git.RevParse(p.cfg.BaseBranch)
	if err != nil {
		result.Verdict = VerdictFailure
		result.Reason = fmt.Sprintf("resolve base branch: %v", err)
		return finish()
	}

	wt, err := p.cfg.Worktrees.Create(issue.ID, baseTip)
	if err != nil {
		result.Verdict = VerdictFailure
		result.Reason = fmt.Sprintf("create worktree: %v", err)
		return finish()
	}
	result.Branch = wt.BranchName
	result.WorktreePath = wt.Path
	p.log("issue %s: worktree %s on branch %s", issue.ID, wt.Path, wt.BranchName)

	if err := p.copyRuntimeFiles(wt.Path); err != nil {
		p.removeWorktree(issue.ID, wt.Path)
		result.Verdict = VerdictFailure
		result.Reason = fmt.Sprintf("copy runtime files: %v", err)
		return finish()
	}

	if ctx.Err() != nil {
		p.progress(issue.ID, models.StageInterrupted, "shutdown during setup")
		result.Verdict = VerdictInterrupted
		result.Reason = "shutdown during setup"
		return finish()
	}

	p.progress(issue.ID, models.StageValidating, "snapshotting checkout state")

	// Snapshot the main checkout before the agent runs so pre-existing
	// dirt is never mistaken for an agent leak.
	preexisting, err := SnapshotStatus(p.cfg.Git)
	if err != nil {
		p.log("issue %s: status snapshot failed: %v", issue.ID, err)
		preexisting = map[string]bool{}
	}

	var watcher *LeakWatcher
	if !p.cfg.DisableLeakWatch {
		watcher, err = NewLeakWatcher(p.cfg.RepoPath, []string{p.cfg.Worktrees.BaseDir(), ".flotilla"})
		if err != nil {
			p.log("issue %s: leak watcher unavailable: %v", issue.ID, err)
			watcher = nil
		}
	}

	p.progress(issue.ID, models.StageImplementing, "running agent")
	outcome, agentErr := p.runAgent(ctx, wt.Path, issue)

	var watched []string
	if watcher != nil {
		watched = watcher.Stop()
	}

	p.progress(issue.ID, models.StageVerifying, "checking for leaked files")
	after, err := SnapshotStatus(p.cfg.Git)
	if err != nil {
		p.log("issue %s: post-run status snapshot failed: %v", issue.ID, err)
		after = map[string]bool{}
	}
	removed, warnings := CleanupLeaks(p.cfg.Git, p.cfg.RepoPath, leakCandidates(preexisting, after, watched), preexisting)
	result.LeakedFiles = removed
	for _, w := range warnings {
		p.log("issue %s: leak cleanup: %s", issue.ID, w)
	}
	if len(removed) > 0 {
		p.log("issue %s: recovered %d leaked file(s): %s", issue.ID, len(removed), strings.Join(removed, ", "))
	}

	if agentErr != nil {
		// Shutdown interrupts the agent; the worktree stays for inspection
		// and later orphan cleanup.
		if errors.Is(ctx.Err(), context.Canceled) {
			p.progress(issue.ID, models.StageInterrupted, "shutdown during agent run")
			result.Verdict = VerdictInterrupted
			result.Reason = "shutdown during agent run"
			return finish()
		}
		p.removeWorktree(issue.ID, wt.Path)
		result.Verdict = VerdictFailure
		result.Reason = agentErr.Error()
		return finish()
	}
	if outcome.ExitCode != 0 {
		p.removeWorktree(issue.ID, wt.Path)
		result.Verdict = VerdictFailure
		result.Reason = fmt.Sprintf("agent exited with code %d: %s", outcome.ExitCode, tail(outcome.Output, 500))
		return finish()
	}
	p.log("issue %s: agent finished in %s", issue.ID, outcome.Duration.Round(time.Millisecond))

	if ctx.Err() != nil {
		p.progress(issue.ID, models.StageInterrupted, "shutdown after agent run")
		result.Verdict = VerdictInterrupted
		result.Reason = "shutdown after agent run"
		return finish()
	}

	wtGit := p.cfg.NewRunner(wt.Path)

	// Agents do not reliably commit; pick up whatever they left behind.
	if dirty, err := wtGit.HasChanges(); err == nil && dirty {
		if err := wtGit.AddAll(); err == nil {
			if err := wtGit.Commit(fmt.Sprintf("%s: %s", issue.ID, issue.Title)); err != nil {
				p.log("issue %s: commit in worktree failed: %v", issue.ID, err)
			}
		}
	}

	// Late rebase: other issues merged while this one ran, so the branch
	// must be replayed onto the current base tip before it reaches the
	// merge queue. A conflict here is this issue's failure, not the
	// coordinator's problem.
	baseRef := p.cfg.BaseBranch
	if hasRemote, err := p.cfg.Git.HasRemote(); err == nil && hasRemote {
		if err := wtGit.Fetch(); err != nil {
			p.log("issue %s: fetch before rebase failed: %v", issue.ID, err)
		} else {
			baseRef = "origin/" + p.cfg.BaseBranch
		}
	}
	result.BaseRef = baseRef

	if err := wtGit.Rebase(baseRef); err != nil {
		conflicted, _ := wtGit.ConflictedFiles()
		_ = wtGit.RebaseAbort()
		p.removeWorktree(issue.ID, wt.Path)
		result.Verdict = VerdictFailure
		result.Reason = fmt.Sprintf("rebase onto %s failed: %v", baseRef, err)
		if len(conflicted) > 0 {
			result.Reason += " (conflicts: " + strings.Join(conflicted, ", ") + ")"
		}
		return finish()
	}

	changed, err := wtGit.ChangedFilesRelative(wt.BranchName, baseRef)
	if err != nil {
		p.log("issue %s: diff against %s failed: %v", issue.ID, baseRef, err)
	}
	result.ChangedFiles = changed

	p.removeWorktree(issue.ID, wt.Path)
	result.Verdict = VerdictSuccess
	return finish()
}

// runAgent executes the agent under the configured timeout. A deadline hit
// is a failure; run-level cancellation surfaces as the parent context's
// error for the caller to classify as an interrupt.
func (p *Pool) runAgent(ctx context.Context, workDir string, issue *models.Issue) (*AgentOutcome, error) {
	agentCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.Policy.AgentTimeout > 0 {
		agentCtx, cancel = context.WithTimeout(ctx, p.cfg.Policy.AgentTimeout)
		defer cancel()
	}

	outcome, err := p.cfg.Agent.Run(agentCtx, workDir, issue)
	if err != nil {
		if errors.Is(agentCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return outcome, fmt.Errorf("agent timed out after %s", p.cfg.Policy.AgentTimeout)
		}
		return outcome, err
	}
	return outcome, nil
}

// copyRuntimeFiles copies configured runtime files (env files and the like)
// from the main checkout into the worktree. Missing sources are skipped;
// agents need these to run but not every repo has them.
func (p *Pool) copyRuntimeFiles(worktreePath string) error {
	for _, rel := range p.cfg.RuntimeFiles {
		src := filepath.Join(p.cfg.RepoPath, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(worktreePath, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
	}
	return nil
}

func (p *Pool) removeWorktree(issueID, path string) {
	if err := p.cfg.Worktrees.Remove(path); err != nil {
		p.log("issue %s: remove worktree %s: %v", issueID, path, err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// tail returns at most the last n bytes of s, for compact failure reasons.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
