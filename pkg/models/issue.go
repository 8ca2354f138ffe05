// Package models defines the core data types shared across flotilla.
package models

// IssueStatus represents the current state of an issue within a run.
type IssueStatus string

const (
	// StatusPending indicates the issue has not been dispatched yet.
	StatusPending IssueStatus = "pending"
	// StatusRunning indicates a worker is executing the issue.
	StatusRunning IssueStatus = "running"
	// StatusMerged indicates the issue's branch was merged into the base branch.
	StatusMerged IssueStatus = "merged"
	// StatusFailed indicates the worker or merge failed for this issue.
	StatusFailed IssueStatus = "failed"
	// StatusBlocked indicates a blocker failed, so the issue was never dispatched.
	StatusBlocked IssueStatus = "blocked"
	// StatusInterrupted indicates the run was shut down while the issue was in flight.
	StatusInterrupted IssueStatus = "interrupted"
)

// Valid returns true if the status is a known value.
func (s IssueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusMerged, StatusFailed, StatusBlocked, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state for a run.
func (s IssueStatus) Terminal() bool {
	switch s {
	case StatusMerged, StatusFailed, StatusBlocked, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Issue represents a unit of work consumed by the orchestrator.
// Issues are read-only from the orchestrator's perspective.
type Issue struct {
	// ID is the unique identifier for this issue.
	ID string `yaml:"id"`
	// Title is the short description of the issue.
	Title string `yaml:"title"`
	// Priority controls scheduling order and the sequential tier.
	Priority Priority `yaml:"priority"`
	// BlockedBy lists issue IDs that must merge before this issue runs.
	BlockedBy []string `yaml:"blocked-by,omitempty"`
	// Blocks lists issue IDs that cannot run until this issue merges.
	// It is the reciprocal of BlockedBy and is folded into the graph as such.
	Blocks []string `yaml:"blocks,omitempty"`
	// Body is the free-text task description handed to the agent.
	Body string `yaml:"body,omitempty"`
}
