package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/stationops/keeper/internal/workspace"
)

// RunResult captures one completed worker run.
type RunResult struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall-clock time the worker stayed up.
func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner starts the worker process and blocks until it exits. A non-zero
// worker exit is reported through RunResult, not through the error; the
// error is reserved for failures to start or wait at all.
type Runner interface {
	Run(ctx context.Context) (RunResult, error)
}

// ExecRunner runs the worker as a child process in its own process group,
// with stdio forwarded. When invoked under sudo it drops the child back to
// the invoking user so repo files stay owned by the operator.
type ExecRunner struct {
	Command string
	Args    []string
	Dir     string
}

// Run spawns the worker and waits for it. Context cancellation delivers
// SIGTERM to the whole process group, then SIGKILL after a grace period.
func (r *ExecRunner) Run(ctx context.Context) (RunResult, error) {
	cmd := exec.Command(r.Command, r.Args...)
	cmd.Dir = r.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	// New process group so signals aimed at the worker never hit us,
	// and so we can signal the worker's own children too.
	attr := &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
	if uid, gid, ok := workspace.InvokingUser(); ok {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	cmd.SysProcAttr = attr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("failed to start worker: %w", err)
	}

	pgid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(10 * time.Second):
			syscall.Kill(-pgid, syscall.SIGKILL)
			waitErr = <-waitCh
		}
	}

	result := RunResult{StartedAt: started, FinishedAt: time.Now()}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("failed to wait for worker: %w", waitErr)
		}
	}
	return result, nil
}
