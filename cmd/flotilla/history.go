package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/internal/state"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

var (
	historyLimit int
	historyRunID string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past runs recorded in this repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoPath, err := repoRoot()
		if err != nil {
			return err
		}

		db, err := state.OpenProject(repoPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return err
		}

		if historyRunID != "" {
			return showRun(db, historyRunID)
		}
		return listRuns(db)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Show per-issue outcomes for one run")
}

func listRuns(db *state.DB) error {
	runs, err := db.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	for _, r := range runs {
		line := fmt.Sprintf("%s  %s  %d waves  %d merged",
			r.StartedAt.Local().Format("2006-01-02 15:04"), shortID(r.ID), r.Waves, r.Merged)
		if r.Failed > 0 {
			line += color.RedString("  %d failed", r.Failed)
		}
		if r.Blocked > 0 {
			line += color.YellowString("  %d blocked", r.Blocked)
		}
		if r.Interrupted > 0 {
			line += color.YellowString("  %d interrupted", r.Interrupted)
		}
		fmt.Println(line)
	}
	return nil
}

func showRun(db *state.DB, runID string) error {
	issues, err := db.RunIssues(runID)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		return fmt.Errorf("no run found with id %s", runID)
	}

	for _, ri := range issues {
		switch ri.Status {
		case models.StatusMerged:
			color.Green("  %s  %s", ri.IssueID, ri.Title)
		case models.StatusFailed:
			color.Red("  %s  %s: %s", ri.IssueID, ri.Title, ri.Reason)
		default:
			color.Yellow("  %s  %s (%s)", ri.IssueID, ri.Title, ri.Status)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
