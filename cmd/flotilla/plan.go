package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/internal/config"
	"github.com/flotilla-dev/flotilla/internal/issues"
	"github.com/flotilla-dev/flotilla/internal/orchestrator"
	"github.com/flotilla-dev/flotilla/internal/report"
)

var planIssuesDir string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the wave plan without running anything",
	Long: `Plan loads the issue directory, builds the dependency graph, and prints
the waves and contention sub-waves a run would execute. Nothing is
dispatched and no git state is touched. Cycles and unknown blockers are
reported here the same way run would report them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if planIssuesDir != "" {
			cfg.Issues.Dir = planIssuesDir
		}

		issueSet, err := issues.Load(cfg.Issues.Dir)
		if err != nil {
			return err
		}

		graph := orchestrator.NewDependencyGraph()
		if err := graph.Build(issueSet); err != nil {
			return err
		}

		waves, err := orchestrator.BuildWaves(graph)
		if err != nil {
			return err
		}

		hints := make(map[string]orchestrator.FileHints, len(issueSet))
		for _, issue := range issueSet {
			hints[issue.ID] = orchestrator.ExtractFileHints(issue)
		}

		report.RenderWaves(os.Stdout, waves, hints)
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planIssuesDir, "issues", "", "Issue directory (default from config)")
}
