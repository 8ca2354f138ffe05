package orchestrator

import (
	"reflect"
	"testing"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

func TestExtractFileHintsFromTitle(t *testing.T) {
	issue := &models.Issue{ID: "x", Title: "Refactor internal/git/runner.go error wrapping"}
	hints := ExtractFileHints(issue)
	if !reflect.DeepEqual(hints.Paths, []string{"internal/git/runner.go"}) {
		t.Errorf("expected [internal/git/runner.go], got %v", hints.Paths)
	}
}

func TestExtractFileHintsFromBody(t *testing.T) {
	issue := &models.Issue{
		ID:    "x",
		Title: "Update docs",
		Body:  "Adjust README.md and the helpers in pkg/models/issue.go.",
	}
	hints := ExtractFileHints(issue)
	want := []string{"README.md", "pkg/models/issue.go"}
	if !reflect.DeepEqual(hints.Paths, want) {
		t.Errorf("expected %v, got %v", want, hints.Paths)
	}
}

func TestExtractFileHintsStripsPunctuation(t *testing.T) {
	issue := &models.Issue{ID: "x", Title: "Fix crash (see app/page.tsx)."}
	hints := ExtractFileHints(issue)
	if !reflect.DeepEqual(hints.Paths, []string{"app/page.tsx"}) {
		t.Errorf("expected [app/page.tsx], got %v", hints.Paths)
	}
}

func TestExtractFileHintsNoFalsePositives(t *testing.T) {
	issue := &models.Issue{ID: "x", Title: "Improve error messages for bad input"}
	hints := ExtractFileHints(issue)
	if !hints.Empty() {
		t.Errorf("plain prose should yield no hints, got %v", hints.Paths)
	}
}

func TestOverlapsExactMatch(t *testing.T) {
	a := FileHints{Paths: []string{"src/app.ts"}}
	b := FileHints{Paths: []string{"src/app.ts"}}
	if !a.Overlaps(b) {
		t.Error("identical paths should overlap")
	}
}

func TestOverlapsDirectoryPrefix(t *testing.T) {
	dir := FileHints{Paths: []string{"internal/git"}}
	file := FileHints{Paths: []string{"internal/git/runner.go"}}
	if !dir.Overlaps(file) {
		t.Error("directory should overlap a file beneath it")
	}
	if !file.Overlaps(dir) {
		t.Error("overlap should be symmetric")
	}
}

func TestOverlapsRespectsPathBoundary(t *testing.T) {
	a := FileHints{Paths: []string{"internal/git"}}
	b := FileHints{Paths: []string{"internal/github/client.go"}}
	if a.Overlaps(b) {
		t.Error("internal/git should not overlap internal/github")
	}
}

func TestOverlapsBareFilename(t *testing.T) {
	bare := FileHints{Paths: []string{"page.tsx"}}
	qualified := FileHints{Paths: []string{"app/page.tsx"}}
	if !bare.Overlaps(qualified) {
		t.Error("bare filename should collide with a qualified path sharing its basename")
	}
}

func TestOverlapsQualifiedPathsNoBasenameCollision(t *testing.T) {
	a := FileHints{Paths: []string{"app/page.tsx"}}
	b := FileHints{Paths: []string{"admin/page.tsx"}}
	if a.Overlaps(b) {
		t.Error("two fully qualified distinct paths should not collide on basename")
	}
}

func TestOverlapsEmpty(t *testing.T) {
	empty := FileHints{}
	full := FileHints{Paths: []string{"a.go"}}
	if empty.Overlaps(full) || full.Overlaps(empty) {
		t.Error("empty hints never overlap")
	}
}
