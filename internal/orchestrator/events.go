package orchestrator

import (
	"time"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// EventType represents the kind of orchestrator event.
type EventType string

const (
	// EventWaveStarted indicates a wave began dispatching.
	EventWaveStarted EventType = "wave_started"
	// EventWaveCompleted indicates every wave member reached a terminal state.
	EventWaveCompleted EventType = "wave_completed"
	// EventIssueStarted indicates a worker picked up an issue.
	EventIssueStarted EventType = "issue_started"
	// EventIssueProgress reports a stage change for an in-flight issue.
	EventIssueProgress EventType = "issue_progress"
	// EventIssueBlocked indicates an issue was skipped because a blocker failed.
	EventIssueBlocked EventType = "issue_blocked"
	// EventMergeStarted indicates the serializer began merging an issue branch.
	EventMergeStarted EventType = "merge_started"
	// EventMergeCompleted indicates a merge reached merged or failed.
	EventMergeCompleted EventType = "merge_completed"
	// EventRunDone indicates the whole run finished.
	EventRunDone EventType = "run_done"
)

// Event is emitted by the orchestrator for status rendering.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// IssueID is the related issue, if applicable.
	IssueID string
	// Stage is the lifecycle stage the issue is in, if applicable.
	Stage models.Stage
	// Wave is the 1-based wave number, if applicable.
	Wave int
	// Message provides additional context.
	Message string
	// Err carries error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
