package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-dev/flotilla/internal/orchestrator"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

// Run is one recorded orchestrator run.
type Run struct {
	ID          string
	BaseBranch  string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Waves       int
	Merged      int
	Failed      int
	Blocked     int
	Interrupted int
}

// RunIssue is one issue's terminal outcome within a run.
type RunIssue struct {
	RunID   string
	IssueID string
	Title   string
	Status  models.IssueStatus
	Reason  string
}

// RecordRun persists a completed run and its per-issue outcomes in one
// transaction, returning the new run's ID.
func (db *DB) RecordRun(baseBranch string, started time.Time, report *orchestrator.RunReport, titles map[string]string) (string, error) {
	runID := uuid.New().String()
	finished := started.Add(report.Duration)

	err := db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO runs (id, base_branch, started_at, finished_at, waves, merged, failed, blocked, interrupted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, baseBranch, formatTime(started), formatTime(finished), report.Waves,
			len(report.Merged), len(report.Failed), len(report.Blocked), len(report.Interrupted))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		insert := func(ids []string, status models.IssueStatus, reasons map[string]string) error {
			for _, id := range ids {
				reason := ""
				if reasons != nil {
					reason = reasons[id]
				}
				_, err := tx.Exec(`
					INSERT INTO run_issues (run_id, issue_id, title, status, reason)
					VALUES (?, ?, ?, ?, ?)
				`, runID, id, titles[id], string(status), reason)
				if err != nil {
					return fmt.Errorf("insert run issue %s: %w", id, err)
				}
			}
			return nil
		}

		if err := insert(report.Merged, models.StatusMerged, nil); err != nil {
			return err
		}
		if err := insert(report.Failed, models.StatusFailed, report.FailureReasons); err != nil {
			return err
		}
		if err := insert(report.Blocked, models.StatusBlocked, nil); err != nil {
			return err
		}
		return insert(report.Interrupted, models.StatusInterrupted, nil)
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.Query(`
		SELECT id, base_branch, started_at, finished_at, waves, merged, failed, blocked, interrupted
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.BaseBranch, &startedAt, &finishedAt, &r.Waves,
			&r.Merged, &r.Failed, &r.Blocked, &r.Interrupted); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse run start time: %w", err)
		}
		r.FinishedAt = parseNullableTime(finishedAt)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// RunIssues returns the per-issue outcomes for a run, ordered by issue ID.
func (db *DB) RunIssues(runID string) ([]*RunIssue, error) {
	rows, err := db.Query(`
		SELECT run_id, issue_id, title, status, reason
		FROM run_issues
		WHERE run_id = ?
		ORDER BY issue_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run issues: %w", err)
	}
	defer rows.Close()

	var issues []*RunIssue
	for rows.Next() {
		var ri RunIssue
		var status string
		if err := rows.Scan(&ri.RunID, &ri.IssueID, &ri.Title, &status, &ri.Reason); err != nil {
			return nil, fmt.Errorf("scan run issue: %w", err)
		}
		ri.Status = models.IssueStatus(status)
		issues = append(issues, &ri)
	}
	return issues, rows.Err()
}
