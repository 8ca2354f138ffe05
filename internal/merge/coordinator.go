// Package merge serializes branch integration onto the base branch. All
// parallelism stops at the merge boundary: exactly one goroutine ever
// mutates the shared checkout, which makes the orchestrator's concurrency
// safe by construction rather than by locking.
package merge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flotilla-dev/flotilla/internal/git"
	"github.com/flotilla-dev/flotilla/internal/orchestrator/policy"
)

// stashExcludes are pathspecs never swept into the pre-merge stash.
// Run bookkeeping lives under .flotilla/ and losing it to a dropped stash
// would erase completion records.
var stashExcludes = []string{".flotilla/"}

// Request asks the coordinator to merge one completed issue branch.
type Request struct {
	IssueID string
	Branch  string
	Title   string
}

// Logger is the debug-logging surface the coordinator needs.
type Logger interface {
	Log(format string, args ...interface{})
}

// Callbacks notify the orchestrator of terminal merge outcomes. Both are
// invoked from the serializer goroutine before the request stops counting
// toward WaitForCompletion, so a caller released by the wait always sees
// the recorded outcome. They must not block indefinitely.
type Callbacks struct {
	OnMerged func(issueID string)
	OnFailed func(issueID, reason string)
}

// Coordinator owns the shared checkout. Branches are enqueued by workers
// and merged one at a time by a single serializer goroutine. Outcome sets
// only ever grow: an issue ID moves from queued to processing to exactly
// one of merged or failed, and never leaves it.
type Coordinator struct {
	git        git.Runner
	baseBranch string
	pol        policy.MergePolicy
	poll       time.Duration
	callbacks  Callbacks
	logger     Logger

	queue chan Request
	done  chan struct{}

	mu         sync.Mutex
	pending    int
	processing string
	merged     map[string]bool
	failed     map[string]string
	stashPops  map[string]string
}

// NewCoordinator creates a merge coordinator and starts its serializer
// goroutine. Stop must be called to shut it down.
func NewCoordinator(g git.Runner, baseBranch string, pol policy.MergePolicy, poll time.Duration, cb Callbacks, logger Logger) *Coordinator {
	if pol.QueueBufferSize < 1 {
		pol.QueueBufferSize = 1
	}
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	c := &Coordinator{
		git:        g,
		baseBranch: baseBranch,
		pol:        pol,
		poll:       poll,
		callbacks:  cb,
		logger:     logger,
		queue:      make(chan Request, pol.QueueBufferSize),
		done:       make(chan struct{}),
		merged:     make(map[string]bool),
		failed:     make(map[string]string),
		stashPops:  make(map[string]string),
	}
	go c.serve()
	return c
}

// Enqueue submits a merge request. It never blocks: a full queue is an
// error the caller surfaces, not a stall that deadlocks a worker.
func (c *Coordinator) Enqueue(req Request) error {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()

	select {
	case c.queue <- req:
		return nil
	default:
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		return fmt.Errorf("merge queue full (%d pending)", cap(c.queue))
	}
}

// Stop closes the queue and waits for queued merges to drain.
func (c *Coordinator) Stop() {
	close(c.queue)
	<-c.done
}

// WaitForCompletion blocks until every enqueued request has reached a
// terminal state or the timeout elapses. Completion requires the queue to
// be empty AND no request to be mid-merge: checking only queue depth
// misses the request the serializer has dequeued but not finished.
func (c *Coordinator) WaitForCompletion(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		idle := c.pending == 0 && c.processing == ""
		c.mu.Unlock()
		if idle {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("merge queue did not settle within %s", timeout)
		}
		time.Sleep(c.poll)
	}
}

// IsMerged reports whether the issue's branch has landed on the base branch.
func (c *Coordinator) IsMerged(issueID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merged[issueID]
}

// FailureReason returns the recorded failure for the issue, if any.
func (c *Coordinator) FailureReason(issueID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason, ok := c.failed[issueID]
	return reason, ok
}

// StashPopFailures returns issues whose merge landed but whose pre-merge
// stash could not be restored. The stash entry still exists; the operator
// recovers it by hand.
func (c *Coordinator) StashPopFailures() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.stashPops))
	for k, v := range c.stashPops {
		out[k] = v
	}
	return out
}

func (c *Coordinator) serve() {
	defer close(c.done)
	for req := range c.queue {
		c.mu.Lock()
		c.processing = req.IssueID
		c.mu.Unlock()

		err := c.process(req)

		c.mu.Lock()
		if err != nil {
			c.failed[req.IssueID] = err.Error()
		} else {
			c.merged[req.IssueID] = true
		}
		c.mu.Unlock()

		// Callbacks fire while the request still counts as in flight.
		// Clearing the processing marker first would let WaitForCompletion
		// return before the orchestrator has recorded the outcome.
		if err != nil {
			c.log("merge %s: %v", req.IssueID, err)
			if c.callbacks.OnFailed != nil {
				c.callbacks.OnFailed(req.IssueID, err.Error())
			}
		} else if c.callbacks.OnMerged != nil {
			c.callbacks.OnMerged(req.IssueID)
		}

		c.mu.Lock()
		c.processing = ""
		c.pending--
		c.mu.Unlock()
	}
}

// process runs one merge in the shared checkout. On failure the branch is
// left intact so the work can be recovered manually.
func (c *Coordinator) process(req Request) error {
	tip, err := c.git.RevParse("HEAD")
	if err == nil {
		c.log("merge %s: base tip %s before merge", req.IssueID, tip[:minInt(8, len(tip))])
	}

	if err := c.git.CheckoutBranch(c.baseBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", c.baseBranch, err)
	}

	stashed, err := c.stashIfDirty(req.IssueID)
	if err != nil {
		return err
	}
	defer func() {
		if !stashed {
			return
		}
		if err := c.git.StashPop(); err != nil {
			c.log("merge %s: stash pop failed: %v", req.IssueID, err)
			c.mu.Lock()
			c.stashPops[req.IssueID] = err.Error()
			c.mu.Unlock()
		}
	}()

	// Best effort: a stale local base makes every merge look conflicted.
	if hasRemote, err := c.git.HasRemote(); err == nil && hasRemote {
		if err := c.git.PullRebase(); err != nil {
			c.log("merge %s: pull --rebase failed, merging against local tip: %v", req.IssueID, err)
		}
	}

	message := fmt.Sprintf("Merge %s: %s", req.IssueID, req.Title)
	if err := c.mergeWithRetries(req, message); err != nil {
		return err
	}

	if err := c.git.DeleteBranch(req.Branch); err != nil {
		c.log("merge %s: delete branch %s: %v", req.IssueID, req.Branch, err)
	}
	return nil
}

// mergeWithRetries attempts the --no-ff merge, re-rebasing the branch onto
// the moved base between attempts. Backoff grows linearly with the attempt.
func (c *Coordinator) mergeWithRetries(req Request, message string) error {
	var lastErr error
	var conflicted []string
	for attempt := 1; attempt <= c.pol.MaxRetries; attempt++ {
		err := c.git.MergeNoFF(req.Branch, message)
		if err == nil {
			return nil
		}
		lastErr = err

		conflicted, _ = c.git.ConflictedFiles()
		_ = c.git.MergeAbort()
		c.log("merge %s: attempt %d/%d failed: %v", req.IssueID, attempt, c.pol.MaxRetries, err)

		if attempt == c.pol.MaxRetries {
			break
		}
		time.Sleep(time.Duration(attempt) * c.pol.RetryBaseDelay)

		// The base may have moved since the branch last rebased; replay the
		// branch onto the fresh tip and try again.
		if err := c.rebaseBranch(req.Branch); err != nil {
			c.log("merge %s: retry rebase failed: %v", req.IssueID, err)
			return c.exhaustedErr(conflicted, attempt, lastErr)
		}
	}
	return c.exhaustedErr(conflicted, c.pol.MaxRetries, lastErr)
}

// exhaustedErr names the last attempt's conflicted files when git reported
// any; the file list is what the operator needs to resolve by hand.
func (c *Coordinator) exhaustedErr(conflicted []string, attempts int, lastErr error) error {
	if len(conflicted) > 0 {
		return fmt.Errorf("merge conflict on %s after %d attempts: %w", strings.Join(conflicted, ", "), attempts, lastErr)
	}
	return fmt.Errorf("merge failed after %d attempts: %w", attempts, lastErr)
}

// rebaseBranch replays the issue branch onto the current base tip, then
// returns the checkout to the base branch.
func (c *Coordinator) rebaseBranch(branch string) error {
	if hasRemote, err := c.git.HasRemote(); err == nil && hasRemote {
		_ = c.git.Fetch()
	}
	if err := c.git.CheckoutBranch(branch); err != nil {
		return err
	}
	if err := c.git.Rebase(c.baseBranch); err != nil {
		_ = c.git.RebaseAbort()
		_ = c.git.CheckoutBranch(c.baseBranch)
		return err
	}
	return c.git.CheckoutBranch(c.baseBranch)
}

// stashIfDirty stashes local modifications before merging so a dirty
// checkout cannot poison the merge. Bookkeeping paths are excluded.
func (c *Coordinator) stashIfDirty(issueID string) (bool, error) {
	dirty, err := c.git.HasChanges()
	if err != nil {
		return false, fmt.Errorf("check working tree: %w", err)
	}
	if !dirty {
		return false, nil
	}
	if err := c.git.StashPush("flotilla pre-merge "+issueID, stashExcludes); err != nil {
		return false, fmt.Errorf("stash local changes: %w", err)
	}
	return true, nil
}

func (c *Coordinator) log(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Log(format, args...)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
