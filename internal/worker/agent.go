package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// AgentOutcome is what flotilla consumes from an agent execution: exit
// status, duration, and captured output. The agent's own claims about what
// changed are ignored; the diff is authoritative.
type AgentOutcome struct {
	// ExitCode is the subprocess exit status.
	ExitCode int
	// Output is the combined stdout/stderr, kept for failure reasons.
	Output string
	// Duration is how long the subprocess ran.
	Duration time.Duration
}

// AgentRunner invokes the external code-generation agent for one issue.
// Contract: given a working directory and a task description, the agent
// mutates files and exits with a verdict.
type AgentRunner interface {
	Run(ctx context.Context, workDir string, issue *models.Issue) (*AgentOutcome, error)
}

// taskPlaceholder in an argument is replaced with the issue's task text.
const taskPlaceholder = "{task}"

// SubprocessAgent runs the agent as a command-line subprocess.
type SubprocessAgent struct {
	// Command is the agent executable, e.g. "claude".
	Command string
	// Args are the agent arguments. Any {task} placeholder is replaced with
	// the task description; without one, the description is appended.
	Args []string
}

// Run executes the agent in workDir with a task built from the issue.
// Cancellation and timeouts arrive through ctx; the subprocess is killed
// when ctx ends.
func (a *SubprocessAgent) Run(ctx context.Context, workDir string, issue *models.Issue) (*AgentOutcome, error) {
	task := issue.Title
	if issue.Body != "" {
		task += "\n\n" + issue.Body
	}

	args := make([]string, 0, len(a.Args)+1)
	substituted := false
	for _, arg := range a.Args {
		if strings.Contains(arg, taskPlaceholder) {
			arg = strings.ReplaceAll(arg, taskPlaceholder, task)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, task)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, a.Command, args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	outcome := &AgentOutcome{
		Output:   string(out),
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			outcome.ExitCode = exitErr.ExitCode()
			return outcome, nil
		}
		return outcome, fmt.Errorf("run agent %s: %w", a.Command, err)
	}
	return outcome, nil
}

// Verify SubprocessAgent implements AgentRunner at compile time.
var _ AgentRunner = (*SubprocessAgent)(nil)
