package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flotilla-dev/flotilla/internal/orchestrator"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRecordAndListRuns(t *testing.T) {
	db := openTestDB(t)

	report := &orchestrator.RunReport{
		Merged:         []string{"a", "b"},
		Failed:         []string{"c"},
		FailureReasons: map[string]string{"c": "agent exited with code 1"},
		Waves:          2,
		Duration:       3 * time.Minute,
	}
	titles := map[string]string{"a": "A", "b": "B", "c": "C"}

	runID, err := db.RecordRun("main", time.Now().Add(-3*time.Minute), report, titles)
	if err != nil {
		t.Fatalf("record run: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a run ID")
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	run := runs[0]
	if run.ID != runID || run.BaseBranch != "main" {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.Merged != 2 || run.Failed != 1 || run.Waves != 2 {
		t.Errorf("unexpected counts: %+v", run)
	}
	if run.FinishedAt == nil {
		t.Error("finished time should be recorded")
	}
}

func TestRunIssuesOutcomes(t *testing.T) {
	db := openTestDB(t)

	report := &orchestrator.RunReport{
		Merged:         []string{"a"},
		Failed:         []string{"b"},
		Blocked:        []string{"c"},
		FailureReasons: map[string]string{"b": "rebase conflict"},
		Waves:          1,
	}
	titles := map[string]string{"a": "A", "b": "B", "c": "C"}

	runID, err := db.RecordRun("main", time.Now(), report, titles)
	if err != nil {
		t.Fatalf("record run: %v", err)
	}

	issues, err := db.RunIssues(runID)
	if err != nil {
		t.Fatalf("run issues: %v", err)
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 issue rows, got %d", len(issues))
	}

	byID := map[string]*RunIssue{}
	for _, ri := range issues {
		byID[ri.IssueID] = ri
	}
	if byID["a"].Status != models.StatusMerged {
		t.Errorf("a should be merged, got %s", byID["a"].Status)
	}
	if byID["b"].Status != models.StatusFailed || byID["b"].Reason != "rebase conflict" {
		t.Errorf("b should carry its failure reason, got %+v", byID["b"])
	}
	if byID["c"].Status != models.StatusBlocked {
		t.Errorf("c should be blocked, got %s", byID["c"].Status)
	}
}

func TestListRunsOrdersNewestFirst(t *testing.T) {
	db := openTestDB(t)

	old := &orchestrator.RunReport{Waves: 1}
	recent := &orchestrator.RunReport{Waves: 2}

	if _, err := db.RecordRun("main", time.Now().Add(-time.Hour), old, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := db.RecordRun("main", time.Now(), recent, nil); err != nil {
		t.Fatal(err)
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Waves != 2 {
		t.Errorf("runs should be newest first, got %+v", runs)
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.RecordRun("main", time.Now().Add(-48*time.Hour), &orchestrator.RunReport{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := db.RecordRun("main", time.Now(), &orchestrator.RunReport{}, nil); err != nil {
		t.Fatal(err)
	}

	purged, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged run, got %d", purged)
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 remaining run, got %d", len(runs))
	}
}
