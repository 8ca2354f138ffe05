package worker

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-dev/flotilla/internal/git"
)

// branchPrefix marks branches and worktrees managed by flotilla.
const branchPrefix = "flotilla/"

// Worktree is an isolated linked working directory for one issue branch.
type Worktree struct {
	Path       string    // Absolute path to the worktree directory
	BranchName string    // Branch checked out in this worktree
	IssueID    string    // Issue that owns this worktree
	CreatedAt  time.Time // When the worktree was created
}

// WorktreeManager handles git worktree operations for issue isolation.
// Each worktree is exclusively owned by its issue for its lifetime.
type WorktreeManager struct {
	baseDir  string
	repoPath string
	git      git.Runner
	mu       sync.Mutex
}

// NewWorktreeManager creates a WorktreeManager. baseDir defaults to
// ~/.cache/flotilla/worktrees when empty.
func NewWorktreeManager(baseDir, repoPath string, runner git.Runner) (*WorktreeManager, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".cache", "flotilla", "worktrees")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &WorktreeManager{
		baseDir:  baseDir,
		repoPath: repoPath,
		git:      runner,
	}, nil
}

// Create creates a worktree for the issue, branched from the given ref.
// The ref is the base-branch tip at dispatch time.
func (m *WorktreeManager) Create(issueID, ref string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branchName := fmt.Sprintf("%s%s-%s", branchPrefix, issueID, uuid.New().String()[:8])
	worktreePath := filepath.Join(m.baseDir, strings.ReplaceAll(strings.TrimPrefix(branchName, branchPrefix), "/", "-"))

	if err := m.git.WorktreeAddFrom(worktreePath, branchName, ref); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	return &Worktree{
		Path:       worktreePath,
		BranchName: branchName,
		IssueID:    issueID,
		CreatedAt:  time.Now(),
	}, nil
}

// Remove force-removes the worktree at the given path. The branch survives.
func (m *WorktreeManager) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.git.WorktreeRemove(path); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// List returns all worktrees known to the repository.
func (m *WorktreeManager) List() ([]*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(output), nil
}

// ListOrphans returns flotilla-managed worktrees with no active owner.
// Interrupted runs leave worktrees behind on purpose; this finds them.
func (m *WorktreeManager) ListOrphans(activeBranches []string) ([]*Worktree, error) {
	worktrees, err := m.List()
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool, len(activeBranches))
	for _, b := range activeBranches {
		active[b] = true
	}

	var orphans []*Worktree
	for _, wt := range worktrees {
		if !strings.HasPrefix(wt.BranchName, branchPrefix) {
			continue
		}
		if wt.Path == m.repoPath || active[wt.BranchName] {
			continue
		}
		orphans = append(orphans, wt)
	}
	return orphans, nil
}

// CleanupOrphans removes orphaned worktrees, returning the count removed.
// The verbose callback, when set, is invoked per removed path.
func (m *WorktreeManager) CleanupOrphans(activeBranches []string, verbose func(path string)) (int, error) {
	orphans, err := m.ListOrphans(activeBranches)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, wt := range orphans {
		if err := m.git.WorktreeRemove(wt.Path); err != nil {
			if err := os.RemoveAll(wt.Path); err != nil {
				continue
			}
		}
		if verbose != nil {
			verbose(wt.Path)
		}
		removed++
	}

	_ = m.git.WorktreePrune()
	return removed, nil
}

// BaseDir returns the directory worktrees are created under.
func (m *WorktreeManager) BaseDir() string {
	return m.baseDir
}

// parseWorktreeList parses 'git worktree list --porcelain' output.
func parseWorktreeList(output string) []*Worktree {
	var worktrees []*Worktree
	var current *Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current != nil {
				worktrees = append(worktrees, current)
				current = nil
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		} else if strings.HasPrefix(line, "branch ") && current != nil {
			ref := strings.TrimPrefix(line, "branch ")
			current.BranchName = strings.TrimPrefix(ref, "refs/heads/")
			if strings.HasPrefix(current.BranchName, branchPrefix) {
				// flotilla/<issue>-<suffix>
				name := strings.TrimPrefix(current.BranchName, branchPrefix)
				if idx := strings.LastIndex(name, "-"); idx > 0 {
					current.IssueID = name[:idx]
				}
			}
		}
	}

	if current != nil {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
