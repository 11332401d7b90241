package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command exceeds its time bound.
var ErrTimeout = errors.New("command timed out")

// Result holds what a finished command produced. A nonzero ExitCode is not an
// error at this level; callers decide what it means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Diagnostic returns the most useful human-readable output of a failed command.
func (r Result) Diagnostic() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner invokes external commands with a hard time bound.
// It must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
}

// Exec runs commands with os/exec. Commands are never passed through a shell.
type Exec struct {
	// Env overrides the child environment when non-nil.
	Env []string
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed. Defaults to one second.
	WaitDelay time.Duration
}

func (e Exec) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	// #nosec G204 -- binaries and arguments come from static configuration
	cmd := exec.CommandContext(ctx, name, args...)
	if e.Env != nil {
		cmd.Env = e.Env
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%s: %w", CommandLine(name, args...), ErrTimeout)
		}
		return res, ctxErr
	}
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, nil
	}
	return res, err
}

// CommandLine renders a command for logs and test matching.
func CommandLine(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
