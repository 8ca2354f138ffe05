package models

// Stage identifies where in its lifecycle an issue currently is.
// Stages are reported through progress events for status rendering.
type Stage string

const (
	// StageSetup covers worktree creation and runtime file copying.
	StageSetup Stage = "setup"
	// StageValidating covers pre-flight checks before the agent runs.
	StageValidating Stage = "validating"
	// StageImplementing covers the external agent subprocess execution.
	StageImplementing Stage = "implementing"
	// StageVerifying covers leak detection, the late rebase, and the diff.
	StageVerifying Stage = "verifying"
	// StageMerging covers the serialized merge onto the base branch.
	StageMerging Stage = "merging"
	// StageDone indicates the issue reached a merged terminal state.
	StageDone Stage = "done"
	// StageFailed indicates the issue reached a failed terminal state.
	StageFailed Stage = "failed"
	// StageInterrupted indicates the issue was cut short by shutdown.
	StageInterrupted Stage = "interrupted"
)
