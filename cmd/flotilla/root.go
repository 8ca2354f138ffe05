package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/internal/config"
)

// checkAgentCLI verifies that the configured agent command is in PATH.
func checkAgentCLI(command string) error {
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("agent command %q not found in PATH\n\n"+
			"flotilla drives an external code-generation agent per issue.\n"+
			"Install it, or point flotilla at another agent:\n"+
			"  flotilla run --agent <command>\n"+
			"or set agent.command in %s", command, config.GetUserConfigPath())
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Parallel issue orchestrator for coding agents",
	Long: `Flotilla dispatches a backlog of issues across parallel coding agents,
each isolated in its own git worktree, and serializes the merges back onto
the base branch.

Issues are YAML files with IDs, priorities, and dependencies. Flotilla
layers them into waves so nothing runs before its blockers have merged,
splits waves further when issues look like they touch the same files, and
lands finished branches one at a time through a single merge queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}
