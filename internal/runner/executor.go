package runner

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxStepOutput caps how much combined output a step result retains.
// The tail is kept: the end of a test log is the informative part.
const maxStepOutput = 64 * 1024

// commandResult is the raw outcome of one shell invocation.
type commandResult struct {
	Output   string
	ExitCode int
	TimedOut bool
	// Err is set for infrastructure problems (shell missing, start
	// failure), not for non-zero exits.
	Err error
}

// runShell executes command via sh -c in dir with exactly the given
// environment. The child gets its own process group so a timeout kills
// the whole tree, not just the shell.
func runShell(ctx context.Context, dir, command string, env []string, timeout time.Duration) commandResult {
	cmdCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := newTailBuffer(maxStepOutput)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return commandResult{Err: fmt.Errorf("starting command: %w", err), ExitCode: -1}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case <-cmdCtx.Done():
		if cmd.Process != nil {
			// Negative pid targets the process group.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return commandResult{
			Output:   out.String(),
			ExitCode: -1,
			TimedOut: cmdCtx.Err() == context.DeadlineExceeded,
		}
	case waitErr = <-done:
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return commandResult{Output: out.String(), ExitCode: -1, Err: fmt.Errorf("running command: %w", waitErr)}
		}
	}
	return commandResult{Output: out.String(), ExitCode: exitCode}
}

// tailBuffer keeps the last max bytes written. exec.Cmd serializes
// writes when the same writer is used for stdout and stderr, but the
// mutex keeps the type safe on its own.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "[output truncated]\n" + string(t.buf)
	}
	return string(t.buf)
}
