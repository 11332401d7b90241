package backend

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loykin/svcpanel/internal/metrics"
	"github.com/loykin/svcpanel/internal/runner"
	"github.com/loykin/svcpanel/internal/service"
)

// Systemd controls init-system units through systemctl. Queries run
// unprivileged; start/stop go through the Elevate wrapper.
type Systemd struct {
	Runner    runner.Runner
	Systemctl string
	Elevate   []string
	Timeouts  Timeouts
	Logger    *slog.Logger
}

func (s *Systemd) systemctl() string {
	if s.Systemctl == "" {
		return "systemctl"
	}
	return s.Systemctl
}

func (s *Systemd) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// unitName appends the .service suffix unless the id already names a unit type.
func unitName(id string) string {
	if strings.Contains(id, ".") {
		return id
	}
	return id + ".service"
}

func (s *Systemd) Exists(ctx context.Context, id string) bool {
	unit := unitName(id)
	res, err := s.Runner.Run(ctx, s.Timeouts.withDefaults().Probe, s.systemctl(), "list-unit-files", unit)
	if err != nil {
		s.logger().Error("checking unit existence failed", "service", id, "error", err)
		return false
	}
	// list-unit-files exits 1 when nothing matched, so only the listing counts.
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == unit {
			return true
		}
	}
	if res.ExitCode != 0 {
		// stderr means systemctl itself failed, not just an empty listing
		level := slog.LevelDebug
		if strings.TrimSpace(res.Stderr) != "" {
			level = slog.LevelWarn
		}
		s.logger().Log(ctx, level, "unit not listed", "service", id, "exit_code", res.ExitCode, "output", res.Diagnostic())
	}
	return false
}

func (s *Systemd) QueryState(ctx context.Context, id string) service.State {
	res, err := s.Runner.Run(ctx, s.Timeouts.withDefaults().Probe, s.systemctl(), "is-active", id)
	if err != nil {
		s.logger().Error("querying unit state failed", "service", id, "error", err)
		metrics.IncProbeFailure(id)
		return service.StateError
	}
	// is-active exits nonzero for anything but active; the answer is on stdout.
	switch strings.TrimSpace(res.Stdout) {
	case "active":
		return service.StateActive
	case "inactive":
		return service.StateInactive
	case "failed":
		return service.StateFailed
	}
	s.logger().Debug("unrecognized unit state", "service", id, "output", strings.TrimSpace(res.Stdout))
	return service.StateUnknown
}

func (s *Systemd) controlCommand(action service.Action, ids ...string) (string, []string) {
	args := make([]string, 0, len(s.Elevate)+2+len(ids))
	name := s.systemctl()
	if len(s.Elevate) > 0 {
		name = s.Elevate[0]
		args = append(args, s.Elevate[1:]...)
		args = append(args, s.systemctl())
	}
	args = append(args, string(action))
	args = append(args, ids...)
	return name, args
}

func (s *Systemd) Execute(ctx context.Context, id string, action service.Action) service.Outcome {
	name, args := s.controlCommand(action, id)
	res, err := s.Runner.Run(ctx, s.Timeouts.withDefaults().Transition, name, args...)
	out := classify(res, err)
	logOutcome(s.logger(), runner.CommandLine(name, args...), out)
	return out
}

// ExecuteBatch names every unit in one elevated invocation, so the user sees a
// single privilege prompt.
func (s *Systemd) ExecuteBatch(ctx context.Context, ids []string, action service.Action) service.Outcome {
	name, args := s.controlCommand(action, ids...)
	res, err := s.Runner.Run(ctx, s.Timeouts.withDefaults().Bulk, name, args...)
	out := classify(res, err)
	logOutcome(s.logger(), runner.CommandLine(name, args...), out)
	return out
}

func (s *Systemd) Describe() string {
	if len(s.Elevate) > 0 {
		return "systemd:" + strings.Join(s.Elevate, " ") + " " + s.systemctl()
	}
	return "systemd:" + s.systemctl()
}

func logOutcome(l *slog.Logger, cmd string, out service.Outcome) {
	if out.Success {
		l.Info("control command succeeded", "command", cmd)
		return
	}
	l.Error("control command failed", "command", cmd, "kind", out.Kind, "error", out.Error)
}
