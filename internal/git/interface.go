// Package git provides a narrow interface over the system git client.
// Every git mutation in flotilla goes through a Runner so the single-writer
// discipline on the shared checkout is enforced structurally.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the local branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch force-deletes the specified branch.
	DeleteBranch(name string) error
	// RevParse resolves a ref to a commit hash.
	RevParse(ref string) (string, error)
}

// StatusOperations defines the interface for git status and diff operations.
type StatusOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// StatusPath returns the porcelain status line for a single path.
	// An empty string means git reports nothing about the path (clean or ignored).
	StatusPath(path string) (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// ChangedFilesRelative returns files changed on a branch relative to
	// another, using the triple-dot diff (relativeTo...branch).
	ChangedFilesRelative(branch, relativeTo string) ([]string, error)
	// ConflictedFiles returns files with unmerged changes.
	ConflictedFiles() ([]string, error)
	// CheckoutPath discards working-tree changes to a specific path.
	CheckoutPath(path string) error
	// CleanPath removes an untracked file or directory from the working tree.
	CleanPath(path string) error
}

// CommitOperations defines the interface for staging and committing.
type CommitOperations interface {
	// AddAll stages every change in the working tree.
	AddAll() error
	// Commit creates a new commit with the given message.
	Commit(message string) error
}

// MergeOperations defines the interface for merge and rebase operations.
type MergeOperations interface {
	// MergeNoFF merges the branch with --no-ff and the given commit message.
	MergeNoFF(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// Rebase rebases the current branch onto the specified base.
	Rebase(base string) error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
}

// RemoteOperations defines the interface for remote interaction.
type RemoteOperations interface {
	// HasRemote returns true if the repository has at least one remote.
	HasRemote() (bool, error)
	// Fetch fetches from the default remote.
	Fetch() error
	// PullRebase pulls the current branch from its upstream with --rebase.
	PullRebase() error
}

// StashOperations defines the interface for stash handling.
type StashOperations interface {
	// StashPush stashes local changes, including untracked files, while
	// excluding the given pathspecs.
	StashPush(message string, exclude []string) error
	// StashPop restores the most recent stash entry.
	StashPop() error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddFrom creates a worktree with a new branch starting at ref.
	WorktreeAddFrom(path, branch, ref string) error
	// WorktreeRemove force-removes the worktree at the given path.
	WorktreeRemove(path string) error
	// WorktreeListPorcelain returns raw porcelain output for parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePrune removes stale worktree bookkeeping with --expire now.
	WorktreePrune() error
}

// Runner is the complete interface for git operations. Consumers should
// prefer the focused interfaces where possible.
type Runner interface {
	BranchOperations
	StatusOperations
	CommitOperations
	MergeOperations
	RemoteOperations
	StashOperations
	WorktreeOperations
	// DetectBaseBranch returns the branch every git operation in the run
	// should target. No component hardcodes a branch name.
	DetectBaseBranch() (string, error)
	// Run executes an arbitrary git command and returns its output.
	Run(args ...string) (string, error)
}

// RunnerFactory creates a Runner bound to a working directory. The worker
// pool uses it to run git inside individual worktrees.
type RunnerFactory func(dir string) Runner
