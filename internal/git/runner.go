package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner by shelling out to the git CLI.
type ExecRunner struct {
	dir string
}

// NewRunner creates a git runner operating in the given directory.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir}
}

// run executes a git command and returns trimmed combined output.
// Failures carry the full command line and captured output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command, discarding output on success.
func (r *ExecRunner) runSilent(args ...string) error {
	_, err := r.run(args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// BranchExists returns true if the local branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means the branch does not exist.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch force-deletes the specified branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// RevParse resolves a ref to a commit hash.
func (r *ExecRunner) RevParse(ref string) (string, error) {
	return r.run("rev-parse", ref)
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status() (string, error) {
	return r.run("status", "--porcelain")
}

// StatusPath returns the porcelain status for a single path. Git prints
// nothing for clean or ignored paths, so callers must treat an empty result
// as "git is silent about this path".
func (r *ExecRunner) StatusPath(path string) (string, error) {
	return r.run("status", "--porcelain", "--", path)
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// ChangedFilesRelative returns files changed on branch relative to relativeTo.
func (r *ExecRunner) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	out, err := r.run("diff", "--name-only", relativeTo+"..."+branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ConflictedFiles returns files with unmerged changes.
func (r *ExecRunner) ConflictedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CheckoutPath discards working-tree changes to a specific path.
func (r *ExecRunner) CheckoutPath(path string) error {
	return r.runSilent("checkout", "--", path)
}

// CleanPath removes an untracked file or directory from the working tree.
func (r *ExecRunner) CleanPath(path string) error {
	return r.runSilent("clean", "-fd", "--", path)
}

// AddAll stages every change in the working tree.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", "-A")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// MergeNoFF merges the branch with --no-ff and the given commit message.
func (r *ExecRunner) MergeNoFF(branch, message string) error {
	return r.runSilent("merge", "--no-ff", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// Rebase rebases the current branch onto the specified base.
func (r *ExecRunner) Rebase(base string) error {
	return r.runSilent("rebase", base)
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort() error {
	return r.runSilent("rebase", "--abort")
}

// HasRemote returns true if the repository has at least one remote.
func (r *ExecRunner) HasRemote() (bool, error) {
	out, err := r.run("remote")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Fetch fetches from the default remote.
func (r *ExecRunner) Fetch() error {
	return r.runSilent("fetch", "--prune")
}

// PullRebase pulls the current branch from its upstream with --rebase.
func (r *ExecRunner) PullRebase() error {
	return r.runSilent("pull", "--rebase")
}

// StashPush stashes local changes including untracked files, excluding the
// given pathspecs. Exclusions keep completion bookkeeping files out of the
// stash so a later drop cannot destroy legitimate completions.
func (r *ExecRunner) StashPush(message string, exclude []string) error {
	args := []string{"stash", "push", "--include-untracked", "-m", message}
	if len(exclude) > 0 {
		args = append(args, "--", ".")
		for _, p := range exclude {
			args = append(args, ":(exclude)"+p)
		}
	}
	return r.runSilent(args...)
}

// StashPop restores the most recent stash entry.
func (r *ExecRunner) StashPop() error {
	return r.runSilent("stash", "pop")
}

// WorktreeAddFrom creates a worktree with a new branch starting at ref.
func (r *ExecRunner) WorktreeAddFrom(path, branch, ref string) error {
	return r.runSilent("worktree", "add", "-b", branch, path, ref)
}

// WorktreeRemove force-removes the worktree at the given path.
func (r *ExecRunner) WorktreeRemove(path string) error {
	return r.runSilent("worktree", "remove", "--force", path)
}

// WorktreeListPorcelain returns raw porcelain output for parsing.
func (r *ExecRunner) WorktreeListPorcelain() (string, error) {
	return r.run("worktree", "list", "--porcelain")
}

// WorktreePrune removes stale worktree bookkeeping with --expire now.
func (r *ExecRunner) WorktreePrune() error {
	return r.runSilent("worktree", "prune", "--expire", "now")
}

// DetectBaseBranch determines the branch merges should target. It prefers
// the remote HEAD, then falls back to main, master, and finally the current
// branch for repositories with neither.
func (r *ExecRunner) DetectBaseBranch() (string, error) {
	if out, err := r.run("symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(out, "origin/"), nil
	}

	for _, name := range []string{"main", "master"} {
		exists, err := r.BranchExists(name)
		if err != nil {
			return "", err
		}
		if exists {
			return name, nil
		}
	}

	branch, err := r.CurrentBranch()
	if err != nil {
		return "", fmt.Errorf("detect base branch: %w", err)
	}
	return branch, nil
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
