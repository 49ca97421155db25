// Package worker provides the isolated execution contexts the deploy and
// test phases run their commands in. A run acquires exactly one worker bound
// to its reserved project and closes it when the run ends.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Command is a single program invocation inside a worker.
type Command struct {
	// Name tags the command's log lines. It is not the program; Args[0] is.
	Name string
	Args []string
	// Env entries are KEY=VALUE pairs appended to the worker environment.
	Env []string
	// Dir overrides the working directory. Empty means the worker's Workdir.
	Dir   string
	Stdin io.Reader
}

// Result is the captured output of a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a command that ran to completion but exited non-zero.
// Callers that treat a non-zero exit as data rather than as a failure (the
// test phase does) unwrap it with errors.As.
type ExitError struct {
	Cmd  string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %s exited with code %d", e.Cmd, e.Code)
}

// Worker is one isolated execution context, either a pod in the reserved
// project or a scratch directory on the invoking host.
type Worker interface {
	// Exec runs the command to completion, streaming its output to the log
	// and returning the captured result. A non-zero exit returns both the
	// result and an *ExitError.
	Exec(ctx context.Context, cmd Command) (*Result, error)
	// WriteFile places data at path inside the worker, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	// ReadFile retrieves a file from inside the worker.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Workdir is the default working directory for Exec and the anchor for
	// files the run writes and reads back.
	Workdir() string
	// Close tears the context down. It must be safe to call with an already
	// canceled run context.
	Close(ctx context.Context) error
}

// Provider hands out workers bound to a reserved project.
type Provider interface {
	Acquire(ctx context.Context, project string) (Worker, error)
}
