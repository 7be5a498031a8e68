// Package sandbox owns the physical directory a workspace is materialized into
// and runs shell commands inside it.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut is returned when a command exceeds its timeout.
var ErrTimedOut = errors.New("execution timed out")

// Runner executes shell scripts in a sandbox directory.
type Runner interface {
	// Execute runs the script to completion and captures its output.
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	// Start launches the script detached and returns its PID.
	Start(ctx context.Context, req ExecutionRequest) (int, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Script is passed verbatim to `<shell> -c`.
	Script string

	// Dir is the working directory of the shell.
	Dir string

	// Env is the complete environment. The host environment is never inherited.
	Env map[string]string

	// Timeout overrides the runner default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use runner defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the spawned shell. Zero disables a limit.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a foreground command.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}
