// Package worker executes issues in isolated git worktrees, bounded by a
// fixed number of concurrent slots.
package worker

import "time"

// Verdict is the outcome class of a worker execution.
type Verdict string

const (
	// VerdictSuccess means the agent finished and the branch rebased cleanly.
	VerdictSuccess Verdict = "success"
	// VerdictFailure means the agent or a git step failed for this issue.
	VerdictFailure Verdict = "failure"
	// VerdictInterrupted means the run was shut down while this worker ran.
	// Interrupted is never reported as a failure.
	VerdictInterrupted Verdict = "interrupted"
)

// Result is the structured outcome of one issue execution.
type Result struct {
	// IssueID is the issue this result belongs to.
	IssueID string
	// Branch is the worker branch holding the completed work.
	Branch string
	// WorktreePath is where the worktree was created. The worktree itself is
	// removed before a success or failure result is returned; interrupted
	// workers leave theirs for orphan cleanup.
	WorktreePath string
	// BaseRef is the ref the branch was last rebased onto.
	BaseRef string
	// ChangedFiles lists files the branch changes relative to the base.
	ChangedFiles []string
	// Verdict classifies the outcome.
	Verdict Verdict
	// Reason carries failure detail; empty on success.
	Reason string
	// LeakedFiles lists files the agent wrote into the main checkout that
	// were cleaned up. Recovered automatically; reported for visibility.
	LeakedFiles []string
	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Failed returns true for failure verdicts (interrupted is not a failure).
func (r *Result) Failed() bool {
	return r.Verdict == VerdictFailure
}
