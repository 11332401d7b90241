package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/svcpanel/internal/metrics"
	"github.com/loykin/svcpanel/internal/runner"
	"github.com/loykin/svcpanel/internal/service"
)

// PM2 controls applications hosted by the pm2 process manager.
type PM2 struct {
	Runner   runner.Runner
	Binary   string
	Timeouts Timeouts
	Logger   *slog.Logger
}

// pm2Process is the subset of a `pm2 jlist` entry we read.
type pm2Process struct {
	Name   string `json:"name"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
}

func (p *PM2) binary() string {
	if p.Binary == "" {
		return "pm2"
	}
	return p.Binary
}

func (p *PM2) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// list runs `pm2 jlist` and decodes its process records.
func (p *PM2) list(ctx context.Context) ([]pm2Process, error) {
	res, err := p.Runner.Run(ctx, p.Timeouts.withDefaults().Probe, p.binary(), "jlist")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("pm2 jlist exited with %d: %s", res.ExitCode, res.Diagnostic())
	}
	return parseJList(res.Stdout)
}

// parseJList finds the JSON array in jlist output. pm2 may print banner or
// daemon start lines first, some of which also begin with '[' ("[PM2] ..."),
// so decoding is attempted at every line that starts with '['.
func parseJList(out string) ([]pm2Process, error) {
	var lastErr error
	offset := 0
	for _, line := range strings.SplitAfter(out, "\n") {
		start := offset
		offset += len(line)
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "[PM2]") {
			continue
		}
		var procs []pm2Process
		if err := json.NewDecoder(strings.NewReader(out[start:])).Decode(&procs); err != nil {
			lastErr = err
			continue
		}
		return procs, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("pm2 jlist: %w", lastErr)
	}
	return nil, fmt.Errorf("pm2 jlist: no JSON array in output")
}

func (p *PM2) Exists(ctx context.Context, id string) bool {
	procs, err := p.list(ctx)
	if err != nil {
		p.logger().Error("listing pm2 processes failed", "service", id, "error", err)
		return false
	}
	for _, pr := range procs {
		if pr.Name == id {
			return true
		}
	}
	return false
}

func (p *PM2) QueryState(ctx context.Context, id string) service.State {
	procs, err := p.list(ctx)
	if err != nil {
		p.logger().Error("querying pm2 state failed", "service", id, "error", err)
		metrics.IncProbeFailure(id)
		return service.StateError
	}
	for _, pr := range procs {
		if pr.Name != id {
			continue
		}
		switch pr.PM2Env.Status {
		case "online":
			return service.StateActive
		case "stopped":
			return service.StateInactive
		default:
			return service.StateFailed
		}
	}
	// not registered with pm2 (anymore): nothing runs
	return service.StateInactive
}

func (p *PM2) Execute(ctx context.Context, id string, action service.Action) service.Outcome {
	args := []string{string(action), id}
	res, err := p.Runner.Run(ctx, p.Timeouts.withDefaults().Transition, p.binary(), args...)
	out := classify(res, err)
	logOutcome(p.logger(), runner.CommandLine(p.binary(), args...), out)
	return out
}

func (p *PM2) Describe() string { return "pm2:" + p.binary() }
