package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// Result is the captured output of one finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Signal names the signal that killed the process, if any.
	Signal string
}

// Runner abstracts process execution so adapters can be tested without
// the real binaries.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				result.Signal = ws.Signal().String()
			}
		}
		return result, err
	}

	return result, nil
}
