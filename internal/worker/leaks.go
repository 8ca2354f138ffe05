package worker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/flotilla-dev/flotilla/internal/git"
)

// SnapshotStatus captures the set of paths git currently reports dirty or
// untracked in the checkout. Taken before an agent runs so pre-existing
// local state is never mistaken for a leak.
func SnapshotStatus(g git.Runner) (map[string]bool, error) {
	out, err := g.Status()
	if err != nil {
		return nil, err
	}

	paths := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		paths[strings.TrimSpace(line[3:])] = true
	}
	return paths, nil
}

// CleanupLeaks removes files an agent wrote into the main checkout instead
// of its worktree. Each candidate is categorized through git status:
// untracked files are deleted, tracked modifications restored, and paths
// git reports nothing about (ignored files) deleted directly from the
// filesystem. An untreated leak corrupts every subsequent pull in the main
// checkout, so recovery is unconditional.
func CleanupLeaks(g git.Runner, repoPath string, candidates []string, preexisting map[string]bool) (removed []string, warnings []string) {
	for _, rel := range candidates {
		if rel == "" || preexisting[rel] {
			continue
		}

		status, err := g.StatusPath(rel)
		if err != nil {
			warnings = append(warnings, "status "+rel+": "+err.Error())
			continue
		}

		switch {
		case status == "":
			// Git is silent about this path (ignored or unseen); delete it
			// directly or the leak survives every git-level cleanup.
			abs := filepath.Join(repoPath, filepath.FromSlash(rel))
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				warnings = append(warnings, "remove "+rel+": "+err.Error())
				continue
			}
			removed = append(removed, rel)
		case strings.HasPrefix(status, "??"):
			if err := g.CleanPath(rel); err != nil {
				warnings = append(warnings, "clean "+rel+": "+err.Error())
				continue
			}
			removed = append(removed, rel)
		default:
			if err := g.CheckoutPath(rel); err != nil {
				warnings = append(warnings, "restore "+rel+": "+err.Error())
				continue
			}
			removed = append(removed, rel)
		}
	}
	return removed, warnings
}

// leakCandidates merges watcher-recorded paths with new entries in the
// post-run status snapshot.
func leakCandidates(before, after map[string]bool, watched []string) []string {
	seen := make(map[string]bool)
	var candidates []string

	add := func(p string) {
		if p == "" || seen[p] || before[p] {
			return
		}
		seen[p] = true
		candidates = append(candidates, p)
	}

	for p := range after {
		add(p)
	}
	for _, p := range watched {
		add(p)
	}
	return candidates
}
