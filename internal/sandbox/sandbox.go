// Package sandbox runs the external programs vaultlaunch drives (the vault
// CLI and the script interpreter) as child processes with a controlled
// environment, bounded runtime and capped output.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrTimeout is returned when a child process outlives its deadline.
var ErrTimeout = errors.New("execution timed out")

// Sandbox executes commands in a controlled environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["bw", "sync"]).
	// Never put secret material here: argv is visible in process listings.
	Command []string

	// Stdin, when set, is piped to the child's standard input.
	Stdin io.Reader

	// WorkingDir overrides the working directory. Empty = use isolated temp dir.
	WorkingDir string

	// Env adds extra environment variables on top of the sanitized base set.
	// Values are never logged.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration
}

// ExecutionResult captures the outcome of a command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *ExecutionResult) Success() bool {
	return r != nil && r.ExitCode == 0
}
