// Package report renders run results for the terminal.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/flotilla-dev/flotilla/internal/orchestrator"
)

var (
	header  = color.New(color.Bold)
	success = color.New(color.FgGreen)
	failure = color.New(color.FgRed)
	warn    = color.New(color.FgYellow)
	muted   = color.New(color.Faint)
)

// Render writes a human-readable run summary.
func Render(w io.Writer, r *orchestrator.RunReport) {
	fmt.Fprintln(w)
	header.Fprintf(w, "Run complete in %s (%d waves)\n", formatDuration(r.Duration), r.Waves)
	fmt.Fprintln(w)

	if len(r.Merged) > 0 {
		success.Fprintf(w, "  merged      %d\n", len(r.Merged))
		for _, id := range r.Merged {
			muted.Fprintf(w, "    %s\n", id)
		}
	}
	if len(r.Failed) > 0 {
		failure.Fprintf(w, "  failed      %d\n", len(r.Failed))
		for _, id := range r.Failed {
			fmt.Fprintf(w, "    %s: %s\n", id, r.FailureReasons[id])
		}
	}
	if len(r.Blocked) > 0 {
		warn.Fprintf(w, "  blocked     %d\n", len(r.Blocked))
		for _, id := range r.Blocked {
			muted.Fprintf(w, "    %s\n", id)
		}
	}
	if len(r.Interrupted) > 0 {
		warn.Fprintf(w, "  interrupted %d\n", len(r.Interrupted))
		for _, id := range r.Interrupted {
			muted.Fprintf(w, "    %s\n", id)
		}
	}

	if len(r.StashPopFailures) > 0 {
		fmt.Fprintln(w)
		warn.Fprintln(w, "  Local changes were stashed before merging and could not be restored:")
		ids := make([]string, 0, len(r.StashPopFailures))
		for id := range r.StashPopFailures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "    %s: %s\n", id, r.StashPopFailures[id])
		}
		muted.Fprintln(w, "  Recover them with 'git stash list' and 'git stash pop'.")
	}

	fmt.Fprintln(w)
	if r.Success() {
		success.Fprintln(w, "All issues merged.")
	} else {
		fmt.Fprintf(w, "%d of %d issues merged.\n", len(r.Merged), total(r))
	}
}

// RenderWaves writes a dry-run wave plan without executing anything.
func RenderWaves(w io.Writer, waves []orchestrator.Wave, hints map[string]orchestrator.FileHints) {
	fmt.Fprintln(w)
	header.Fprintf(w, "Execution plan: %d waves\n", len(waves))
	for i, wave := range waves {
		fmt.Fprintln(w)
		subWaves := orchestrator.RefineForContention(wave, hints)
		if len(subWaves) > 1 {
			header.Fprintf(w, "Wave %d (%d issues, %d sub-waves for file contention)\n", i+1, len(wave.Issues), len(subWaves))
		} else {
			header.Fprintf(w, "Wave %d (%d issues)\n", i+1, len(wave.Issues))
		}
		for j, sub := range subWaves {
			for _, issue := range sub.Issues {
				if len(subWaves) > 1 {
					fmt.Fprintf(w, "  %d.%d %s  %s", i+1, j+1, issue.ID, issue.Title)
				} else {
					fmt.Fprintf(w, "  %s  %s", issue.ID, issue.Title)
				}
				if h := hints[issue.ID]; !h.Empty() {
					muted.Fprintf(w, "  [touches: %s]", joinMax(h.Paths, 3))
				}
				fmt.Fprintln(w)
			}
		}
	}
	fmt.Fprintln(w)
}

func total(r *orchestrator.RunReport) int {
	return len(r.Merged) + len(r.Failed) + len(r.Blocked) + len(r.Interrupted)
}

func formatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Millisecond).String()
}

func joinMax(items []string, max int) string {
	if len(items) <= max {
		out := ""
		for i, s := range items {
			if i > 0 {
				out += ", "
			}
			out += s
		}
		return out
	}
	return fmt.Sprintf("%s, +%d more", joinMax(items[:max], max), len(items)-max)
}
