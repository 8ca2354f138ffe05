// Package tui provides the live terminal view of a flotilla run.
package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/flotilla-dev/flotilla/internal/orchestrator"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

// EventMsg wraps an orchestrator event for the TUI.
type EventMsg struct {
	Event orchestrator.Event
}

// RunDoneMsg signals that the run has completed.
type RunDoneMsg struct {
	Report *orchestrator.RunReport
}

// issueRow is one issue's display state.
type issueRow struct {
	ID      string
	Title   string
	Status  models.IssueStatus
	Stage   models.Stage
	Message string
	Wave    int
}

// App is the main bubbletea model for the flotilla TUI.
type App struct {
	events <-chan orchestrator.Event

	spinner spinner.Model
	rows    map[string]*issueRow
	order   []string

	currentWave int
	totalIssues int
	width       int
	height      int
	startedAt   time.Time

	quitting bool
	done     bool
	report   *orchestrator.RunReport
}

// New creates a TUI app consuming the given event stream. Issues seed the
// display so pending work is visible before its wave starts.
func New(events <-chan orchestrator.Event, issues []*models.Issue) *App {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	app := &App{
		events:      events,
		spinner:     sp,
		rows:        make(map[string]*issueRow, len(issues)),
		totalIssues: len(issues),
		startedAt:   time.Now(),
	}
	for _, issue := range issues {
		app.rows[issue.ID] = &issueRow{ID: issue.ID, Title: issue.Title, Status: models.StatusPending}
		app.order = append(app.order, issue.ID)
	}
	sort.Strings(app.order)
	return app
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.waitForEvent())
}

// waitForEvent blocks on the next orchestrator event.
func (a *App) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		event, ok := <-a.events
		if !ok {
			// Stream closed; the run is over.
			return RunDoneMsg{}
		}
		return EventMsg{Event: event}
	}
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case EventMsg:
		a.apply(msg.Event)
		return a, a.waitForEvent()

	case RunDoneMsg:
		a.done = true
		a.report = msg.Report
		return a, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

// apply folds an orchestrator event into the display state.
func (a *App) apply(event orchestrator.Event) {
	if event.Wave > a.currentWave {
		a.currentWave = event.Wave
	}

	row := a.rows[event.IssueID]
	if row == nil {
		if event.IssueID == "" {
			return
		}
		row = &issueRow{ID: event.IssueID, Status: models.StatusPending}
		a.rows[event.IssueID] = row
		a.order = append(a.order, event.IssueID)
		sort.Strings(a.order)
	}

	switch event.Type {
	case orchestrator.EventIssueStarted:
		row.Status = models.StatusRunning
		row.Wave = event.Wave
	case orchestrator.EventIssueProgress:
		row.Stage = event.Stage
		row.Message = event.Message
		if event.Stage == models.StageInterrupted {
			row.Status = models.StatusInterrupted
		}
	case orchestrator.EventIssueBlocked:
		row.Status = models.StatusBlocked
		row.Message = event.Message
	case orchestrator.EventMergeStarted:
		row.Stage = models.StageMerging
	case orchestrator.EventMergeCompleted:
		if event.Stage == models.StageFailed {
			row.Status = models.StatusFailed
			row.Message = event.Message
		} else {
			row.Status = models.StatusMerged
		}
	}
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	s := headerStyle.Render(fmt.Sprintf(" flotilla  wave %d  %s ", a.currentWave, time.Since(a.startedAt).Round(time.Second)))
	s += "\n\n"

	for _, id := range a.order {
		row := a.rows[id]
		s += "  " + a.renderRow(row) + "\n"
	}

	s += "\n" + footerStyle.Render(a.summaryLine()) + "\n"
	return s
}

func (a *App) renderRow(row *issueRow) string {
	var marker, detail string
	switch row.Status {
	case models.StatusPending:
		marker = pendingStyle.Render("·")
	case models.StatusRunning:
		marker = a.spinner.View()
		detail = string(row.Stage)
		if row.Message != "" {
			detail += "  " + row.Message
		}
	case models.StatusMerged:
		marker = mergedStyle.Render("✓")
	case models.StatusFailed:
		marker = failedStyle.Render("✗")
		detail = row.Message
	case models.StatusBlocked:
		marker = blockedStyle.Render("⊘")
		detail = row.Message
	case models.StatusInterrupted:
		marker = blockedStyle.Render("~")
		detail = "interrupted"
	}

	line := fmt.Sprintf("%s %-12s %s", marker, row.ID, truncate(row.Title, 50))
	if detail != "" {
		line += "  " + detailStyle.Render(truncate(detail, 60))
	}
	return line
}

func (a *App) summaryLine() string {
	merged, failed, blocked := 0, 0, 0
	for _, row := range a.rows {
		switch row.Status {
		case models.StatusMerged:
			merged++
		case models.StatusFailed:
			failed++
		case models.StatusBlocked:
			blocked++
		}
	}
	return fmt.Sprintf(" %d/%d merged  %d failed  %d blocked  (q to quit) ", merged, a.totalIssues, failed, blocked)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
