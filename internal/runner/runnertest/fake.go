// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/svcpanel/internal/runner"
)

// Call is one recorded invocation.
type Call struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// Line renders the call the same way runner.CommandLine does.
func (c Call) Line() string { return runner.CommandLine(c.Name, c.Args...) }

// Response scripts the answer to one invocation.
type Response struct {
	Result runner.Result
	Err    error
	// Gate, when set, blocks the call until it is closed or the context ends.
	Gate <-chan struct{}
	// Started, when set, is closed once the call begins.
	Started chan struct{}
}

// Stdout answers with exit 0 and the given output.
func Stdout(s string) Response { return Response{Result: runner.Result{Stdout: s}} }

// Exit answers with a nonzero exit code and stderr.
func Exit(code int, stderr string) Response {
	return Response{Result: runner.Result{ExitCode: code, Stderr: stderr}}
}

// Timeout answers as if the time bound was exceeded.
func Timeout() Response { return Response{Err: runner.ErrTimeout} }

// Fail answers with an invocation error.
func Fail(msg string) Response { return Response{Err: errors.New(msg)} }

// Fake matches calls by their full command line. Each line has a queue of
// responses; the last one repeats once the queue is drained.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []Call
}

func New() *Fake {
	return &Fake{responses: make(map[string][]Response)}
}

// On scripts the responses for a command line, replacing earlier ones.
func (f *Fake) On(line string, rs ...Response) *Fake {
	f.mu.Lock()
	f.responses[line] = append([]Response(nil), rs...)
	f.mu.Unlock()
	return f
}

func (f *Fake) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (runner.Result, error) {
	c := Call{Name: name, Args: append([]string(nil), args...), Timeout: timeout}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	q, ok := f.responses[c.Line()]
	var r Response
	if ok && len(q) > 0 {
		r = q[0]
		if len(q) > 1 {
			f.responses[c.Line()] = q[1:]
		}
	}
	if r.Started != nil {
		select {
		case <-r.Started:
		default:
			close(r.Started)
		}
	}
	f.mu.Unlock()
	if !ok {
		return runner.Result{}, fmt.Errorf("runnertest: no response scripted for %q", c.Line())
	}
	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return runner.Result{}, runner.ErrTimeout
		}
	}
	return r.Result, r.Err
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how often a command line was invoked.
func (f *Fake) Count(line string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Line() == line {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps scripted responses.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}
