package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/internal/config"
	"github.com/flotilla-dev/flotilla/internal/git"
	"github.com/flotilla-dev/flotilla/internal/worker"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove worktrees left behind by interrupted runs",
	Long: `Cleanup finds flotilla-managed worktrees with no active run and removes
them. Interrupted runs leave worktrees in place on purpose so in-progress
work can be inspected; run cleanup once you no longer need them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		repoPath, err := repoRoot()
		if err != nil {
			return err
		}

		worktrees, err := worker.NewWorktreeManager(cfg.Workers.WorktreeDir, repoPath, git.NewRunner(repoPath))
		if err != nil {
			return err
		}

		if cleanupDryRun {
			orphans, err := worktrees.ListOrphans(nil)
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Println("No orphaned worktrees.")
				return nil
			}
			for _, wt := range orphans {
				fmt.Printf("would remove %s (%s)\n", wt.Path, wt.BranchName)
			}
			return nil
		}

		removed, err := worktrees.CleanupOrphans(nil, func(path string) {
			fmt.Println("removed", path)
		})
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d orphaned worktree(s).\n", removed)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "List orphans without removing them")
}
