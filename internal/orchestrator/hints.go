// Package orchestrator coordinates waves of issues across the worker pool
// and the merge coordinator.
package orchestrator

import (
	"sort"
	"strings"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// FileHints is the set of normalized file and directory references extracted
// from an issue's text. Hints estimate merge-conflict risk before execution;
// they are recomputed per run and never persisted.
type FileHints struct {
	// Paths holds normalized, deduplicated path hints sorted for determinism.
	Paths []string
}

// pathIndicators are directory prefixes that mark a word as a path reference
// even without a file extension.
var pathIndicators = []string{
	"internal/", "pkg/", "cmd/", "src/", "lib/", "app/", "api/",
	"test/", "tests/", "docs/", "components/", "pages/",
}

// fileExtensions mark a bare word as a file reference.
var fileExtensions = []string{
	".go", ".py", ".ts", ".tsx", ".js", ".jsx", ".rs", ".java",
	".rb", ".css", ".scss", ".html", ".sql", ".yaml", ".yml",
	".json", ".toml", ".md", ".proto",
}

// ExtractFileHints scans an issue's title and body for file and path
// references.
func ExtractFileHints(issue *models.Issue) FileHints {
	seen := make(map[string]bool)

	text := issue.Title + "\n" + issue.Body
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,;:!?\"'`()[]{}<>*")
		if word == "" {
			continue
		}
		if hint, ok := normalizeHint(word); ok {
			seen[hint] = true
		}
	}

	hints := FileHints{Paths: make([]string, 0, len(seen))}
	for p := range seen {
		hints.Paths = append(hints.Paths, p)
	}
	sort.Strings(hints.Paths)
	return hints
}

// normalizeHint decides whether a word is a path reference and normalizes it.
func normalizeHint(word string) (string, bool) {
	word = strings.TrimPrefix(word, "./")
	word = strings.TrimPrefix(word, "/")

	for _, indicator := range pathIndicators {
		if idx := strings.Index(word, indicator); idx >= 0 {
			return word[idx:], true
		}
	}

	lower := strings.ToLower(word)
	for _, ext := range fileExtensions {
		if strings.HasSuffix(lower, ext) && len(word) > len(ext) {
			return word, true
		}
	}

	return "", false
}

// Empty returns true if no hints were extracted.
func (h FileHints) Empty() bool {
	return len(h.Paths) == 0
}

// Overlaps reports whether two hint sets touch a common file or directory.
// Two paths overlap when one is a prefix of the other at a path boundary.
func (h FileHints) Overlaps(other FileHints) bool {
	for _, a := range h.Paths {
		for _, b := range other.Paths {
			if pathsOverlap(a, b) {
				return true
			}
		}
	}
	return false
}

// pathsOverlap reports whether two normalized paths refer to overlapping
// filesystem regions.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if strings.HasPrefix(b, ensureSlash(a)) || strings.HasPrefix(a, ensureSlash(b)) {
		return true
	}
	// Bare filenames collide on basename: "page.tsx" vs "app/page.tsx".
	if !strings.Contains(a, "/") || !strings.Contains(b, "/") {
		return baseName(a) == baseName(b)
	}
	return false
}

func ensureSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func baseName(p string) string {
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
