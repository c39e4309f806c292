// Package hostexec is the single gateway through which lobsterd runs host
// commands. Commands always run with an explicit timeout, are killed together
// with their descendants on expiry, and have their output captured with a
// per-stream cap so a chatty child cannot exhaust memory.
package hostexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

// MaxCapture caps each of stdout and stderr.
const MaxCapture = 1 << 20 // 1 MiB

// Options tune a single invocation.
type Options struct {
	Timeout time.Duration
	Env     []string
	Dir     string
}

// Result is the captured outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// cappedBuffer keeps at most max bytes and silently drops the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		c.buf.Write(p)
	}
	return n, nil
}

var log = logrus.WithField("component", "hostexec")

// Run executes argv and fails with an *errdefs.ExecError on non-zero exit,
// signal death, or timeout.
func Run(ctx context.Context, argv []string, opts Options) (*Result, error) {
	res, err := RunUnchecked(ctx, argv, opts)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &errdefs.ExecError{
			Argv:     argv,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// RunUnchecked executes argv and returns the result even when the command
// exits non-zero; callers use it when a non-zero exit is itself meaningful
// (for example `zfs list` probing a dataset). Start failures, timeouts and
// signal deaths are still errors.
func RunUnchecked(ctx context.Context, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("hostexec: empty argv")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.Dir = opts.Dir

	// Children go into their own process group so the kill on timeout takes
	// the whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout := &cappedBuffer{max: MaxCapture}
	stderr := &cappedBuffer{max: MaxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.WithField("argv", argv).Debug("exec")
	err := cmd.Run()

	res := &Result{
		Stdout: stdout.buf.String(),
		Stderr: stderr.buf.String(),
	}

	if err == nil {
		return res, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &errdefs.ExecError{
			Argv:   argv,
			Signal: "timeout",
			Stderr: res.Stderr,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return nil, &errdefs.ExecError{
				Argv:   argv,
				Signal: ws.Signal().String(),
				Stderr: res.Stderr,
			}
		}
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	// exec itself failed (binary missing, permissions).
	return nil, &errdefs.ExecError{Argv: argv, ExitCode: -1, Stderr: err.Error()}
}
