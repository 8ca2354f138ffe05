package worker

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSnapshotStatus(t *testing.T) {
	g := &fakeGit{statusOut: " M tracked.go\n?? untracked.txt\n"}
	paths, err := SnapshotStatus(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !paths["tracked.go"] || !paths["untracked.txt"] {
		t.Errorf("expected both paths in snapshot, got %v", paths)
	}
}

func TestCleanupLeaksCategorizesPerPath(t *testing.T) {
	repo := t.TempDir()

	// The ignored file exists on disk but git reports nothing about it.
	ignored := filepath.Join(repo, "debug.log")
	if err := os.WriteFile(ignored, []byte("leak"), 0644); err != nil {
		t.Fatal(err)
	}

	g := &fakeGit{
		statusPath: func(path string) (string, error) {
			switch path {
			case "tracked.go":
				return " M tracked.go", nil
			case "untracked.txt":
				return "?? untracked.txt", nil
			default:
				return "", nil
			}
		},
	}

	removed, warnings := CleanupLeaks(g, repo, []string{"tracked.go", "untracked.txt", "debug.log"}, nil)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(removed) != 3 {
		t.Fatalf("expected 3 recovered paths, got %v", removed)
	}

	if !g.called("checkout-path tracked.go") {
		t.Error("tracked modification should be restored via checkout")
	}
	if !g.called("clean-path untracked.txt") {
		t.Error("untracked file should be removed via clean")
	}
	if _, err := os.Stat(ignored); !os.IsNotExist(err) {
		t.Error("git-silent file must be deleted from the filesystem directly")
	}
}

func TestCleanupLeaksSkipsPreexisting(t *testing.T) {
	g := &fakeGit{
		statusPath: func(path string) (string, error) { return " M " + path, nil },
	}
	preexisting := map[string]bool{"dirty-before.go": true}

	removed, _ := CleanupLeaks(g, t.TempDir(), []string{"dirty-before.go"}, preexisting)
	if len(removed) != 0 {
		t.Errorf("pre-existing dirt is not a leak, got %v", removed)
	}
	if g.called("checkout-path") {
		t.Error("pre-existing paths must not be touched")
	}
}

func TestLeakCandidatesMergesSources(t *testing.T) {
	before := map[string]bool{"old.go": true}
	after := map[string]bool{"old.go": true, "new.go": true}
	watched := []string{"new.go", "ignored.log"}

	candidates := leakCandidates(before, after, watched)
	want := map[string]bool{"new.go": true, "ignored.log": true}
	got := map[string]bool{}
	for _, c := range candidates {
		got[c] = true
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected candidates %v, got %v", want, got)
	}
}
