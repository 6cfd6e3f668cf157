// Package command runs the external programs a deployment delegates to
// (git, package managers, build tools, rsync).
package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Runner abstracts subprocess execution so steps can be tested and dry-run.
type Runner interface {
	// Run executes name with args inside dir and returns combined output.
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExitError carries the exit status of a command that ran but failed.
type ExitError struct {
	Command string
	Code    int
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, out)
}

func (e *ExitError) Unwrap() error { return e.Err }

const waitDelay = 2 * time.Second

// ExecRunner executes commands using os/exec.
type ExecRunner struct {
	DryRun bool
	// Env is appended to the inherited environment.
	Env []string
}

// Run executes a command and returns combined output. A context deadline is
// reported as context.DeadlineExceeded so callers can classify timeouts.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	line := Line(name, args...)
	if r.DryRun {
		return "dry-run: " + line, nil
	}
	// Command name and args come from site descriptors owned by the operator.
	//nolint:gosec // G204
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// grandchildren holding the output pipe must not outlive a cancelled step
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(out), fmt.Errorf("%s: %w", line, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), &ExitError{Command: line, Code: exitErr.ExitCode(), Output: string(out), Err: err}
	}
	return string(out), fmt.Errorf("exec %s: %w", line, err)
}

// Shell runs a configured hook string through sh -c.
func Shell(ctx context.Context, r Runner, dir, script string) (string, error) {
	return r.Run(ctx, dir, "sh", "-c", script)
}

// Line renders a command for logs.
func Line(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

type loggingRunner struct {
	delegate Runner
}

// NewLoggingRunner wraps r so every invocation is logged with its duration.
func NewLoggingRunner(r Runner) Runner {
	if r == nil {
		r = ExecRunner{}
	}
	return loggingRunner{delegate: r}
}

func (r loggingRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	line := Line(name, args...)
	startedAt := time.Now()
	log.Debug().Str("cmd", line).Str("dir", dir).Msg("command start")
	out, err := r.delegate.Run(ctx, dir, name, args...)
	duration := time.Since(startedAt).Round(time.Millisecond)
	trimmed := strings.TrimSpace(out)
	if err != nil {
		log.Warn().Err(err).Str("cmd", line).Dur("duration", duration).Msg("command failed")
		return out, err
	}
	ev := log.Debug().Str("cmd", line).Dur("duration", duration)
	if trimmed != "" {
		ev = ev.Str("output", trimmed)
	}
	ev.Msg("command ok")
	return out, nil
}
