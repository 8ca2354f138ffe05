package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/internal/config"
	"github.com/flotilla-dev/flotilla/internal/git"
	"github.com/flotilla-dev/flotilla/internal/issues"
	"github.com/flotilla-dev/flotilla/internal/merge"
	"github.com/flotilla-dev/flotilla/internal/orchestrator"
	"github.com/flotilla-dev/flotilla/internal/report"
	"github.com/flotilla-dev/flotilla/internal/state"
	"github.com/flotilla-dev/flotilla/internal/tui"
	"github.com/flotilla-dev/flotilla/internal/worker"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

var (
	runIssuesDir string
	runAgent     string
	runSlots     int
	runUseTUI    bool
	runNoHistory bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the issue backlog through parallel agents",
	Long: `Run loads the issue directory, layers the dependency graph into waves,
and dispatches each wave across the worker pool. Every issue executes in
its own git worktree; completed branches merge back one at a time.

Ctrl-C stops new dispatches, interrupts in-flight agents, and lets queued
merges drain before reporting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBacklog()
	},
}

func init() {
	runCmd.Flags().StringVar(&runIssuesDir, "issues", "", "Issue directory (default from config)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent command override")
	runCmd.Flags().IntVar(&runSlots, "slots", 0, "Concurrent worker slots override")
	runCmd.Flags().BoolVar(&runUseTUI, "tui", false, "Show a live TUI instead of log lines")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Skip recording the run in .flotilla/state.db")
}

func runBacklog() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runAgent != "" {
		cfg.Agent.Command = runAgent
		cfg.Agent.Args = nil
	}
	if runSlots > 0 {
		cfg.Workers.Slots = runSlots
	}
	if runIssuesDir != "" {
		cfg.Issues.Dir = runIssuesDir
	}
	if err := checkAgentCLI(cfg.Agent.Command); err != nil {
		return err
	}

	repoPath, err := repoRoot()
	if err != nil {
		return err
	}
	mainGit := git.NewRunner(repoPath)
	baseBranch, err := mainGit.DetectBaseBranch()
	if err != nil {
		return err
	}

	issueSet, err := issues.Load(cfg.Issues.Dir)
	if err != nil {
		return err
	}

	logger := orchestrator.NewDebugLoggerForRepo(repoPath)
	defer logger.Close()

	worktrees, err := worker.NewWorktreeManager(cfg.Workers.WorktreeDir, repoPath, mainGit)
	if err != nil {
		return err
	}

	// Stale worktrees from a previous interrupted run would pin their
	// branches and pollute the new run.
	if removed, err := worktrees.CleanupOrphans(nil, nil); err == nil && removed > 0 {
		fmt.Printf("Removed %d stale worktree(s) from a previous run.\n", removed)
	}

	pol := cfg.Policy()
	emitter := orchestrator.NewEventEmitter(256)

	// The coordinator's callbacks need the orchestrator, which needs the
	// coordinator; close over the pointer and assign it below.
	var orch *orchestrator.Orchestrator
	coordinator := merge.NewCoordinator(mainGit, baseBranch, pol.Merge, pol.Loop.CompletionPollInterval, merge.Callbacks{
		OnMerged: func(issueID string) { orch.OnMerged(issueID) },
		OnFailed: func(issueID, reason string) { orch.OnMergeFailed(issueID, reason) },
	}, logger)

	pool, err := worker.NewPool(worker.Config{
		RepoPath:     repoPath,
		BaseBranch:   baseBranch,
		Git:          mainGit,
		NewRunner:    func(dir string) git.Runner { return git.NewRunner(dir) },
		Worktrees:    worktrees,
		Agent:        &worker.SubprocessAgent{Command: cfg.Agent.Command, Args: cfg.Agent.Args},
		Policy:       pol.Worker,
		RuntimeFiles: cfg.Workers.RuntimeFiles,
		Progress:     func(id string, stage models.Stage, msg string) { orch.Progress(id, stage, msg) },
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	orch, err = orchestrator.New(orchestrator.Config{
		Pool:        pool,
		Coordinator: coordinator,
		Policy:      pol,
		Emitter:     emitter,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	renderDone := startRenderer(emitter, issueSet)

	started := time.Now()
	runReport, err := orch.Run(ctx, issueSet)
	coordinator.Stop()
	emitter.Close()
	<-renderDone
	if err != nil {
		return err
	}

	report.Render(os.Stdout, runReport)

	if !runNoHistory {
		recordRun(repoPath, baseBranch, started, runReport, issueSet)
	}

	if !runReport.Success() {
		os.Exit(1)
	}
	return nil
}

// startRenderer consumes the event stream, either through the TUI or as
// plain colored log lines, and returns a channel closed when the stream
// ends.
func startRenderer(emitter *orchestrator.EventEmitter, issueSet []*models.Issue) <-chan struct{} {
	done := make(chan struct{})

	if runUseTUI {
		app := tui.New(emitter.Events(), issueSet)
		program := tea.NewProgram(app)
		go func() {
			defer close(done)
			if _, err := program.Run(); err != nil {
				fmt.Fprintln(os.Stderr, "tui:", err)
			}
		}()
		return done
	}

	go func() {
		defer close(done)
		for event := range emitter.Events() {
			printEvent(event)
		}
	}()
	return done
}

func printEvent(event orchestrator.Event) {
	switch event.Type {
	case orchestrator.EventWaveStarted:
		color.New(color.Bold).Printf("── wave %d (%s)\n", event.Wave, event.Message)
	case orchestrator.EventIssueStarted:
		fmt.Printf("   %s started\n", event.IssueID)
	case orchestrator.EventIssueProgress:
		if event.Stage == models.StageImplementing || event.Stage == models.StageMerging {
			color.New(color.Faint).Printf("   %s %s\n", event.IssueID, event.Stage)
		}
	case orchestrator.EventIssueBlocked:
		color.Yellow("   %s %s", event.IssueID, event.Message)
	case orchestrator.EventMergeCompleted:
		if event.Stage == models.StageFailed {
			color.Red("   %s merge failed: %s", event.IssueID, event.Message)
		} else {
			color.Green("   %s merged", event.IssueID)
		}
	}
}

func recordRun(repoPath, baseBranch string, started time.Time, runReport *orchestrator.RunReport, issueSet []*models.Issue) {
	db, err := state.OpenProject(repoPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history:", err)
		return
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		fmt.Fprintln(os.Stderr, "history:", err)
		return
	}

	titles := make(map[string]string, len(issueSet))
	for _, issue := range issueSet {
		titles[issue.ID] = issue.Title
	}
	if _, err := db.RecordRun(baseBranch, started, runReport, titles); err != nil {
		fmt.Fprintln(os.Stderr, "history:", err)
	}
}

// repoRoot resolves the enclosing git repository's top-level directory.
func repoRoot() (string, error) {
	out, err := git.NewRunner(".").Run("rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not inside a git repository: %w", err)
	}
	return strings.TrimSpace(out), nil
}
