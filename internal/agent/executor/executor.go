package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

var ErrTimeout = errors.New("command timed out")

type CommandResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Executor runs shell commands, optionally through sudo.
type Executor struct {
	timeout time.Duration
	sudo    bool
}

func NewExecutor(timeout time.Duration, sudo bool) *Executor {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Executor{timeout: timeout, sudo: sudo}
}

// Execute runs command with `sh -c`. A non-zero exit is reported in the result, not as an
// error; errors mean the command could not be run to completion. timeout overrides the
// executor default when positive.
func (e *Executor) Execute(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := e.command(ctx, "sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	result := &CommandResult{
		Duration: time.Since(start),
		Output:   out.String(),
	}
	if err == nil {
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	result.ExitCode = -1
	return result, err
}

func (e *Executor) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if e.sudo {
		return exec.CommandContext(ctx, "sudo", append([]string{name}, args...)...)
	}
	return exec.CommandContext(ctx, name, args...)
}
