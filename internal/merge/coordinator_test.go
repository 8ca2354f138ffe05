package merge

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flotilla-dev/flotilla/internal/orchestrator/policy"
)

// fakeGit implements git.Runner with overridable hooks. Unhooked methods
// succeed and do nothing.
type fakeGit struct {
	mu    sync.Mutex
	calls []string

	mergeNoFF  func(branch, message string) error
	hasDirty   bool
	conflicted []string
	stashPush  func(message string, exclude []string) error
	stashPop   func() error
	rebase     func(base string) error
}

func (f *fakeGit) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGit) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeGit) CurrentBranch() (string, error)       { return "main", nil }
func (f *fakeGit) CheckoutBranch(name string) error     { f.record("checkout " + name); return nil }
func (f *fakeGit) BranchExists(name string) (bool, error) { return true, nil }
func (f *fakeGit) DeleteBranch(name string) error       { f.record("delete " + name); return nil }
func (f *fakeGit) RevParse(ref string) (string, error)  { return "abcdef1234567890", nil }
func (f *fakeGit) Status() (string, error)              { return "", nil }
func (f *fakeGit) StatusPath(path string) (string, error) { return "", nil }
func (f *fakeGit) HasChanges() (bool, error)            { return f.hasDirty, nil }
func (f *fakeGit) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	return nil, nil
}
func (f *fakeGit) ConflictedFiles() ([]string, error) { return f.conflicted, nil }
func (f *fakeGit) CheckoutPath(path string) error     { return nil }
func (f *fakeGit) CleanPath(path string) error        { return nil }
func (f *fakeGit) AddAll() error                      { return nil }
func (f *fakeGit) Commit(message string) error        { return nil }

func (f *fakeGit) MergeNoFF(branch, message string) error {
	f.record("merge " + branch)
	if f.mergeNoFF != nil {
		return f.mergeNoFF(branch, message)
	}
	return nil
}

func (f *fakeGit) MergeAbort() error { f.record("merge-abort"); return nil }

func (f *fakeGit) Rebase(base string) error {
	f.record("rebase " + base)
	if f.rebase != nil {
		return f.rebase(base)
	}
	return nil
}

func (f *fakeGit) RebaseAbort() error        { return nil }
func (f *fakeGit) HasRemote() (bool, error)  { return false, nil }
func (f *fakeGit) Fetch() error              { return nil }
func (f *fakeGit) PullRebase() error         { return nil }

func (f *fakeGit) StashPush(message string, exclude []string) error {
	f.record("stash-push")
	if f.stashPush != nil {
		return f.stashPush(message, exclude)
	}
	return nil
}

func (f *fakeGit) StashPop() error {
	f.record("stash-pop")
	if f.stashPop != nil {
		return f.stashPop()
	}
	return nil
}

func (f *fakeGit) WorktreeAddFrom(path, branch, ref string) error { return nil }
func (f *fakeGit) WorktreeRemove(path string) error               { return nil }
func (f *fakeGit) WorktreeListPorcelain() (string, error)         { return "", nil }
func (f *fakeGit) WorktreePrune() error                           { return nil }
func (f *fakeGit) DetectBaseBranch() (string, error)              { return "main", nil }
func (f *fakeGit) Run(args ...string) (string, error)             { return "", nil }

func testPolicy() policy.MergePolicy {
	return policy.MergePolicy{MaxRetries: 3, RetryBaseDelay: 0, QueueBufferSize: 16}
}

func newTestCoordinator(g *fakeGit, pol policy.MergePolicy, cb Callbacks) *Coordinator {
	return NewCoordinator(g, "main", pol, time.Millisecond, cb, nil)
}

func TestCoordinatorMergesSerially(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	g := &fakeGit{
		mergeNoFF: func(branch, message string) error {
			now := inFlight.Add(1)
			if now > maxInFlight.Load() {
				maxInFlight.Store(now)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}

	var mergedMu sync.Mutex
	var merged []string
	c := newTestCoordinator(g, testPolicy(), Callbacks{
		OnMerged: func(issueID string) {
			mergedMu.Lock()
			merged = append(merged, issueID)
			mergedMu.Unlock()
		},
	})
	defer c.Stop()

	for _, id := range []string{"a", "b", "c"} {
		if err := c.Enqueue(Request{IssueID: id, Branch: "flotilla/" + id, Title: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if maxInFlight.Load() != 1 {
		t.Errorf("merges must be serialized, saw %d concurrent", maxInFlight.Load())
	}
	mergedMu.Lock()
	defer mergedMu.Unlock()
	if len(merged) != 3 {
		t.Errorf("expected 3 merged callbacks, got %v", merged)
	}
}

func TestWaitForCompletionCoversInFlightMerge(t *testing.T) {
	release := make(chan struct{})
	g := &fakeGit{
		mergeNoFF: func(branch, message string) error {
			<-release
			return nil
		},
	}
	c := newTestCoordinator(g, testPolicy(), Callbacks{})
	defer c.Stop()

	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Give the serializer time to dequeue; the queue is now empty but the
	// merge is still in flight, which is exactly the state a naive
	// queue-empty check would call complete.
	time.Sleep(20 * time.Millisecond)
	if err := c.WaitForCompletion(10 * time.Millisecond); err == nil {
		t.Fatal("wait should time out while a merge is mid-flight")
	}
	if c.IsMerged("a") {
		t.Fatal("issue cannot be merged while its merge is mid-flight")
	}

	close(release)
	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait after release: %v", err)
	}
	if !c.IsMerged("a") {
		t.Error("issue should be merged once the serializer finishes")
	}
}

func TestWaitForCompletionCoversSlowCallback(t *testing.T) {
	g := &fakeGit{}

	// A callback with real latency, the way an event emitter under
	// backpressure behaves. The wait must cover it: returning early would
	// let the caller observe an issue whose outcome is not yet recorded.
	var callbackDone atomic.Bool
	c := newTestCoordinator(g, testPolicy(), Callbacks{
		OnMerged: func(issueID string) {
			time.Sleep(100 * time.Millisecond)
			callbackDone.Store(true)
		},
	})
	defer c.Stop()

	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !callbackDone.Load() {
		t.Fatal("WaitForCompletion returned before the merged callback finished")
	}
}

func TestMergeRetryExhaustion(t *testing.T) {
	attempts := 0
	g := &fakeGit{
		mergeNoFF: func(branch, message string) error {
			attempts++
			return errors.New("merge conflict")
		},
	}

	var failedID, failedReason string
	c := newTestCoordinator(g, testPolicy(), Callbacks{
		OnFailed: func(issueID, reason string) {
			failedID, failedReason = issueID, reason
		},
	})
	defer c.Stop()

	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if failedID != "a" || failedReason == "" {
		t.Errorf("expected failure callback for a, got %q %q", failedID, failedReason)
	}
	if reason, ok := c.FailureReason("a"); !ok || reason == "" {
		t.Error("failure should be recorded with a reason")
	}
	if g.called("delete flotilla/a") {
		t.Error("a failed merge must leave the branch intact")
	}
}

func TestMergeExhaustionNamesConflictedFiles(t *testing.T) {
	g := &fakeGit{
		mergeNoFF:  func(branch, message string) error { return errors.New("merge conflict") },
		conflicted: []string{"internal/app/server.go", "go.sum"},
	}
	c := newTestCoordinator(g, testPolicy(), Callbacks{})
	defer c.Stop()

	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	reason, ok := c.FailureReason("a")
	if !ok {
		t.Fatal("exhausted merge should record a failure")
	}
	if !strings.Contains(reason, "internal/app/server.go") || !strings.Contains(reason, "go.sum") {
		t.Errorf("failure should name the conflicted files, got %q", reason)
	}
}

func TestMergeRetriesRebaseBetweenAttempts(t *testing.T) {
	attempts := 0
	g := &fakeGit{
		mergeNoFF: func(branch, message string) error {
			attempts++
			if attempts == 1 {
				return errors.New("stale branch")
			}
			return nil
		},
	}
	c := newTestCoordinator(g, testPolicy(), Callbacks{})
	defer c.Stop()

	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !c.IsMerged("a") {
		t.Fatal("retry after rebase should succeed")
	}
	if !g.called("rebase main") {
		t.Error("a failed attempt should rebase the branch before retrying")
	}
	if !g.called("delete flotilla/a") {
		t.Error("a merged branch should be deleted")
	}
}

func TestStashPopFailureIsRecorded(t *testing.T) {
	g := &fakeGit{
		hasDirty: true,
		stashPop: func() error { return errors.New("conflict restoring stash") },
	}
	c := newTestCoordinator(g, testPolicy(), Callbacks{})
	defer c.Stop()

	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !c.IsMerged("a") {
		t.Error("a stash pop failure must not fail the merge itself")
	}
	failures := c.StashPopFailures()
	if _, ok := failures["a"]; !ok {
		t.Errorf("stash pop failure should be recorded, got %v", failures)
	}
}

func TestNoStashWhenClean(t *testing.T) {
	g := &fakeGit{hasDirty: false}
	c := newTestCoordinator(g, testPolicy(), Callbacks{})
	defer c.Stop()

	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.WaitForCompletion(5 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if g.called("stash-push") || g.called("stash-pop") {
		t.Error("a clean checkout should never be stashed")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	g := &fakeGit{
		mergeNoFF: func(branch, message string) error {
			<-release
			return nil
		},
	}
	pol := testPolicy()
	pol.QueueBufferSize = 1
	c := newTestCoordinator(g, pol, Callbacks{})
	defer func() {
		close(release)
		c.Stop()
	}()

	// First request is dequeued by the serializer and parked in MergeNoFF;
	// the second fills the buffer.
	if err := c.Enqueue(Request{IssueID: "a", Branch: "flotilla/a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.Enqueue(Request{IssueID: "b", Branch: "flotilla/b"}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	if err := c.Enqueue(Request{IssueID: "c", Branch: "flotilla/c"}); err == nil {
		t.Fatal("enqueue into a full queue must fail, not block")
	}
}
