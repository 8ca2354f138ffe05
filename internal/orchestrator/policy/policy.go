// Package policy defines configurable policy parameters for orchestrator,
// worker pool, and merge coordinator behavior. Centralizing the knobs keeps
// numeric thresholds out of implementation files and makes them testable.
package policy

import (
	"time"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// Config contains all configurable policy parameters for a run.
type Config struct {
	// Worker controls worker pool behavior.
	Worker WorkerPolicy

	// Merge controls merge coordinator behavior.
	Merge MergePolicy

	// Loop controls orchestrator loop behavior.
	Loop LoopPolicy
}

// WorkerPolicy controls worker pool behavior.
type WorkerPolicy struct {
	// Slots is the number of concurrent worker execution slots.
	Slots int

	// SequentialPriority is the priority tier that runs with concurrency 1,
	// ahead of the pool. Issues at or above this urgency never parallelize.
	SequentialPriority models.Priority

	// AgentTimeout bounds a single agent subprocess execution.
	AgentTimeout time.Duration

	// SpawnStagger is the delay between starting parallel workers, which
	// avoids thundering-herd contention on the agent CLI.
	SpawnStagger time.Duration
}

// MergePolicy controls merge coordinator behavior.
type MergePolicy struct {
	// MaxRetries bounds conflict retries for a single merge request.
	MaxRetries int

	// RetryBaseDelay is the base delay between merge retries.
	RetryBaseDelay time.Duration

	// QueueBufferSize is the merge queue channel buffer. Enqueue fails
	// rather than blocks when the buffer is full.
	QueueBufferSize int
}

// LoopPolicy controls orchestrator loop behavior.
type LoopPolicy struct {
	// CompletionPollInterval is how often completion waiters re-check state.
	CompletionPollInterval time.Duration

	// WaveTimeout bounds how long the orchestrator waits for one wave's
	// merges to settle.
	WaveTimeout time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Worker: WorkerPolicy{
			Slots:              3,
			SequentialPriority: models.PriorityCritical,
			AgentTimeout:       15 * time.Minute,
			SpawnStagger:       500 * time.Millisecond,
		},
		Merge: MergePolicy{
			MaxRetries:      3,
			RetryBaseDelay:  2 * time.Second,
			QueueBufferSize: 100,
		},
		Loop: LoopPolicy{
			CompletionPollInterval: 25 * time.Millisecond,
			WaveTimeout:            2 * time.Hour,
		},
	}
}

// Validate clamps out-of-range values back to their defaults.
func (c *Config) Validate() error {
	if c.Worker.Slots < 1 {
		c.Worker.Slots = 3
	}
	if c.Worker.AgentTimeout < time.Second {
		c.Worker.AgentTimeout = 15 * time.Minute
	}
	if c.Worker.SpawnStagger < 0 {
		c.Worker.SpawnStagger = 500 * time.Millisecond
	}
	if c.Merge.MaxRetries < 1 {
		c.Merge.MaxRetries = 3
	}
	if c.Merge.RetryBaseDelay < 0 {
		c.Merge.RetryBaseDelay = 2 * time.Second
	}
	if c.Merge.QueueBufferSize < 1 {
		c.Merge.QueueBufferSize = 100
	}
	if c.Loop.CompletionPollInterval < time.Millisecond {
		c.Loop.CompletionPollInterval = 25 * time.Millisecond
	}
	if c.Loop.WaveTimeout < time.Minute {
		c.Loop.WaveTimeout = 2 * time.Hour
	}
	return nil
}
