package executor

import (
	"errors"

	"github.com/jkaninda/vfsbox/internal/hydrate"
)

var (
	// ErrEmptyCommand is returned for a blank command string.
	ErrEmptyCommand = errors.New("command string is empty")
	// ErrNoWorkspaceRoot is returned when the filesystem has no workspace root.
	ErrNoWorkspaceRoot = hydrate.ErrNoWorkspaceRoot
)

// CommandExecutionError reports a command that could not run or exited non-zero.
// The logical filesystem has already been rolled back when it is returned.
type CommandExecutionError struct {
	Message    string
	Stdout     string
	Stderr     string
	ReturnCode int
	Err        error
}

func (e *CommandExecutionError) Error() string { return e.Message }

func (e *CommandExecutionError) Unwrap() error { return e.Err }
