package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flotilla-dev/flotilla/internal/merge"
	"github.com/flotilla-dev/flotilla/internal/orchestrator/policy"
	"github.com/flotilla-dev/flotilla/internal/worker"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

// Dispatcher runs a single issue to completion. Satisfied by worker.Pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, issue *models.Issue) *worker.Result
}

// MergeQueue is the merge coordinator surface the orchestrator drives.
// Satisfied by merge.Coordinator.
type MergeQueue interface {
	Enqueue(req merge.Request) error
	WaitForCompletion(timeout time.Duration) error
	IsMerged(issueID string) bool
	FailureReason(issueID string) (string, bool)
	StashPopFailures() map[string]string
	Stop()
}

// Config wires an Orchestrator together.
type Config struct {
	Pool        Dispatcher
	Coordinator MergeQueue
	Policy      *policy.Config
	Emitter     *EventEmitter
	Logger      *DebugLogger
}

// Orchestrator dispatches issues wave by wave and tracks per-issue status.
// It owns no git state itself; workers own worktrees and the coordinator
// owns the shared checkout.
type Orchestrator struct {
	pool        Dispatcher
	coordinator MergeQueue
	policy      *policy.Config
	emitter     *EventEmitter
	logger      *DebugLogger

	graph *DependencyGraph

	mu       sync.Mutex
	statuses map[string]models.IssueStatus
	reasons  map[string]string
	inflight map[string]FileHints
}

// RunReport summarizes a completed run. Blocked and interrupted issues are
// listed separately from failures: neither did anything wrong.
type RunReport struct {
	Merged      []string
	Failed      []string
	Blocked     []string
	Interrupted []string

	// FailureReasons maps failed issue IDs to a human-readable cause.
	FailureReasons map[string]string
	// StashPopFailures maps issue IDs to stash entries needing manual recovery.
	StashPopFailures map[string]string

	Waves    int
	Duration time.Duration
}

// Success reports whether every issue merged.
func (r *RunReport) Success() bool {
	return len(r.Failed) == 0 && len(r.Blocked) == 0 && len(r.Interrupted) == 0
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Pool == nil || cfg.Coordinator == nil {
		return nil, fmt.Errorf("orchestrator is missing a required collaborator")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		setPackageLogger(cfg.Logger)
	}
	return &Orchestrator{
		pool:        cfg.Pool,
		coordinator: cfg.Coordinator,
		policy:      cfg.Policy,
		emitter:     cfg.Emitter,
		logger:      cfg.Logger,
		statuses:    make(map[string]models.IssueStatus),
		reasons:     make(map[string]string),
		inflight:    make(map[string]FileHints),
	}, nil
}

// Run executes the full issue set. A dependency cycle aborts before any
// dispatch. Cancellation stops new dispatches, lets in-flight merges drain,
// and reports the cut-short issues as interrupted. A merge queue that does
// not settle within the wave timeout fails its outstanding issues and
// aborts the remaining waves.
func (o *Orchestrator) Run(ctx context.Context, issues []*models.Issue) (*RunReport, error) {
	start := time.Now()

	o.graph = NewDependencyGraph()
	if err := o.graph.Build(issues); err != nil {
		return nil, err
	}

	hints := make(map[string]FileHints, len(issues))
	for _, issue := range issues {
		o.statuses[issue.ID] = models.StatusPending
		hints[issue.ID] = ExtractFileHints(issue)
	}

	waves, err := BuildWaves(o.graph)
	if err != nil {
		return nil, err
	}
	debugLog("run: %d issues in %d waves", len(issues), len(waves))

	stalled := false
	for waveNum, wave := range waves {
		if ctx.Err() != nil || stalled {
			break
		}
		o.emit(Event{Type: EventWaveStarted, Wave: waveNum + 1, Message: fmt.Sprintf("%d issues", len(wave.Issues))})

		for _, subWave := range RefineForContention(wave, hints) {
			if ctx.Err() != nil {
				break
			}
			o.runSubWave(ctx, subWave, waveNum+1, hints)

			// A wave never advances over unsettled merges: a stalled queue
			// fails the outstanding issues and aborts the run rather than
			// dispatching dependents against an unknown base.
			if err := o.coordinator.WaitForCompletion(o.policy.Loop.WaveTimeout); err != nil {
				debugLog("wave %d: %v", waveNum+1, err)
				o.failOutstanding(err.Error())
				stalled = true
				break
			}
		}

		o.emit(Event{Type: EventWaveCompleted, Wave: waveNum + 1})
	}

	// Let merges enqueued just before cancellation reach a terminal state.
	if !stalled {
		if err := o.coordinator.WaitForCompletion(o.policy.Loop.WaveTimeout); err != nil {
			debugLog("final drain: %v", err)
			o.failOutstanding(err.Error())
		}
	}

	report := o.buildReport(issues, len(waves), time.Since(start))
	o.emit(Event{Type: EventRunDone, Message: fmt.Sprintf("%d merged, %d failed", len(report.Merged), len(report.Failed))})
	return report, nil
}

// runSubWave dispatches one contention-free batch: the sequential priority
// tier first, one at a time, then the rest fanned out across the pool.
func (o *Orchestrator) runSubWave(ctx context.Context, sub Wave, waveNum int, hints map[string]FileHints) {
	var sequential, parallel []*models.Issue
	for _, issue := range sub.Issues {
		if issue.Priority <= o.policy.Worker.SequentialPriority {
			sequential = append(sequential, issue)
		} else {
			parallel = append(parallel, issue)
		}
	}

	for _, issue := range sequential {
		if ctx.Err() != nil {
			o.markInterrupted(issue.ID, "shutdown before dispatch")
			continue
		}
		o.dispatchOne(ctx, issue, waveNum, hints)
	}

	var wg sync.WaitGroup
	for _, issue := range parallel {
		if ctx.Err() != nil {
			o.markInterrupted(issue.ID, "shutdown before dispatch")
			continue
		}
		wg.Add(1)
		go func(issue *models.Issue) {
			defer wg.Done()
			o.dispatchOne(ctx, issue, waveNum, hints)
		}(issue)
	}
	wg.Wait()
}

// dispatchOne runs a single issue through the pool and routes the outcome.
func (o *Orchestrator) dispatchOne(ctx context.Context, issue *models.Issue, waveNum int, hints map[string]FileHints) {
	if blocked, blocker := o.blockedByFailure(issue); blocked {
		o.setStatus(issue.ID, models.StatusBlocked, "blocker "+blocker+" did not merge")
		o.emit(Event{Type: EventIssueBlocked, IssueID: issue.ID, Wave: waveNum, Message: "blocked by " + blocker})
		return
	}

	// Defer dispatch while an in-flight issue touches overlapping paths.
	// Sub-waves are contention-free internally, so this only bites across
	// sub-wave boundaries when merges are slow to settle.
	o.waitForHintClearance(ctx, issue.ID, hints)
	if ctx.Err() != nil {
		o.markInterrupted(issue.ID, "shutdown before dispatch")
		return
	}

	o.setStatus(issue.ID, models.StatusRunning, "")
	o.trackInflight(issue.ID, hints[issue.ID])
	defer o.untrackInflight(issue.ID)
	o.emit(Event{Type: EventIssueStarted, IssueID: issue.ID, Wave: waveNum})

	result := o.pool.Dispatch(ctx, issue)

	switch result.Verdict {
	case worker.VerdictInterrupted:
		o.setStatus(issue.ID, models.StatusInterrupted, result.Reason)
	case worker.VerdictFailure:
		o.setStatus(issue.ID, models.StatusFailed, result.Reason)
		o.blockDependents(issue.ID)
	case worker.VerdictSuccess:
		if len(result.ChangedFiles) == 0 {
			// Nothing to merge; the issue still counts as landed so its
			// dependents are unblocked.
			debugLog("issue %s: no changes produced, marking merged", issue.ID)
			o.graph.MarkMerged(issue.ID)
			o.setStatus(issue.ID, models.StatusMerged, "")
			return
		}
		o.emit(Event{Type: EventMergeStarted, IssueID: issue.ID, Stage: models.StageMerging})
		if err := o.coordinator.Enqueue(merge.Request{IssueID: issue.ID, Branch: result.Branch, Title: issue.Title}); err != nil {
			o.setStatus(issue.ID, models.StatusFailed, err.Error())
			o.blockDependents(issue.ID)
		}
	}
}

// OnMerged is the coordinator callback for a landed merge.
func (o *Orchestrator) OnMerged(issueID string) {
	o.graph.MarkMerged(issueID)
	o.setStatus(issueID, models.StatusMerged, "")
	o.emit(Event{Type: EventMergeCompleted, IssueID: issueID, Stage: models.StageDone})
}

// OnMergeFailed is the coordinator callback for an exhausted merge.
func (o *Orchestrator) OnMergeFailed(issueID, reason string) {
	o.setStatus(issueID, models.StatusFailed, reason)
	o.blockDependents(issueID)
	o.emit(Event{Type: EventMergeCompleted, IssueID: issueID, Stage: models.StageFailed, Message: reason})
}

// blockDependents eagerly marks every transitive dependent of a failed
// issue as blocked. Merged and other terminal states are sticky, so a
// dependent that already finished is untouched.
func (o *Orchestrator) blockDependents(issueID string) {
	for _, dep := range o.graph.Dependents(issueID) {
		o.setStatus(dep, models.StatusBlocked, "blocker "+issueID+" did not merge")
	}
}

// failOutstanding fails every still-running issue, then blocks their
// dependents. Used when the merge queue never settles: those issues are
// parked behind merges that will not finish.
func (o *Orchestrator) failOutstanding(reason string) {
	o.mu.Lock()
	var outstanding []string
	for id, status := range o.statuses {
		if status == models.StatusRunning {
			outstanding = append(outstanding, id)
		}
	}
	for _, id := range outstanding {
		o.statuses[id] = models.StatusFailed
		o.reasons[id] = reason
	}
	o.mu.Unlock()

	for _, id := range outstanding {
		o.blockDependents(id)
	}
}

// Progress is the worker pool callback for stage transitions.
func (o *Orchestrator) Progress(issueID string, stage models.Stage, message string) {
	o.emit(Event{Type: EventIssueProgress, IssueID: issueID, Stage: stage, Message: message})
}

// blockedByFailure returns the first blocker that reached a terminal state
// other than merged. A blocker still mid-merge is not a block; waves only
// advance after the queue settles, so by dispatch time terminal states are
// final.
func (o *Orchestrator) blockedByFailure(issue *models.Issue) (bool, string) {
	for _, blockerID := range o.graph.Blockers(issue.ID) {
		if o.graph.IsMerged(blockerID) {
			continue
		}
		o.mu.Lock()
		status := o.statuses[blockerID]
		o.mu.Unlock()
		if status == models.StatusFailed || status == models.StatusBlocked || status == models.StatusInterrupted {
			return true, blockerID
		}
	}
	return false, ""
}

// waitForHintClearance polls until no in-flight issue overlaps this one.
func (o *Orchestrator) waitForHintClearance(ctx context.Context, issueID string, hints map[string]FileHints) {
	mine := hints[issueID]
	if mine.Empty() {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		o.mu.Lock()
		obstructed := false
		for other, h := range o.inflight {
			if other != issueID && mine.Overlaps(h) {
				obstructed = true
				break
			}
		}
		o.mu.Unlock()
		if !obstructed {
			return
		}
		time.Sleep(o.policy.Loop.CompletionPollInterval)
	}
}

func (o *Orchestrator) trackInflight(issueID string, h FileHints) {
	o.mu.Lock()
	o.inflight[issueID] = h
	o.mu.Unlock()
}

func (o *Orchestrator) untrackInflight(issueID string) {
	o.mu.Lock()
	delete(o.inflight, issueID)
	o.mu.Unlock()
}

func (o *Orchestrator) markInterrupted(issueID, reason string) {
	o.setStatus(issueID, models.StatusInterrupted, reason)
}

// setStatus records a status transition. Terminal states are sticky: a
// late callback can never downgrade merged or resurrect failed.
func (o *Orchestrator) setStatus(issueID string, status models.IssueStatus, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current, ok := o.statuses[issueID]; ok && current.Terminal() && current != status {
		return
	}
	o.statuses[issueID] = status
	if reason != "" {
		o.reasons[issueID] = reason
	}
}

// Status returns an issue's current status.
func (o *Orchestrator) Status(issueID string) models.IssueStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statuses[issueID]
}

func (o *Orchestrator) buildReport(issues []*models.Issue, waves int, elapsed time.Duration) *RunReport {
	report := &RunReport{
		FailureReasons:   make(map[string]string),
		StashPopFailures: o.coordinator.StashPopFailures(),
		Waves:            waves,
		Duration:         elapsed,
	}

	o.mu.Lock()
	for _, issue := range issues {
		switch o.statuses[issue.ID] {
		case models.StatusMerged:
			report.Merged = append(report.Merged, issue.ID)
		case models.StatusFailed:
			report.Failed = append(report.Failed, issue.ID)
			report.FailureReasons[issue.ID] = o.reasons[issue.ID]
		case models.StatusBlocked:
			report.Blocked = append(report.Blocked, issue.ID)
		default:
			// Pending and running issues at report time were cut short.
			report.Interrupted = append(report.Interrupted, issue.ID)
		}
	}
	o.mu.Unlock()

	sort.Strings(report.Merged)
	sort.Strings(report.Failed)
	sort.Strings(report.Blocked)
	sort.Strings(report.Interrupted)
	return report
}

func (o *Orchestrator) emit(event Event) {
	if o.emitter == nil {
		return
	}
	event.Timestamp = time.Now()
	o.emitter.Emit(event)
}
