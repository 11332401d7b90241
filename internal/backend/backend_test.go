package backend

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/loykin/svcpanel/internal/runner"
	"github.com/loykin/svcpanel/internal/runner/runnertest"
	"github.com/loykin/svcpanel/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jlist = `[{"name":"shinobi","pm2_env":{"status":"online"}},{"name":"worker","pm2_env":{"status":"stopped"}},{"name":"crashy","pm2_env":{"status":"errored"}}]`

func newTestSet(f *runnertest.Fake) *Set {
	return New(Options{Runner: f, Elevate: []string{"pkexec"}})
}

func TestSystemdExists(t *testing.T) {
	f := runnertest.New().
		On("systemctl list-unit-files docker.service", runnertest.Stdout("UNIT FILE      STATE   VENDOR PRESET\ndocker.service enabled enabled\n\n1 unit files listed.\n")).
		On("systemctl list-unit-files nope.service", runnertest.Response{Result: runner.Result{ExitCode: 1, Stdout: "UNIT FILE STATE VENDOR PRESET\n\n0 unit files listed.\n"}}).
		On("systemctl list-unit-files slow.service", runnertest.Timeout())
	s := newTestSet(f)
	ctx := context.Background()

	assert.True(t, s.Exists(ctx, service.Descriptor{ID: "docker", Backend: service.BackendSystemd}))
	assert.False(t, s.Exists(ctx, service.Descriptor{ID: "nope", Backend: service.BackendSystemd}))
	// timeouts are logged, never raised
	assert.False(t, s.Exists(ctx, service.Descriptor{ID: "slow", Backend: service.BackendSystemd}))

	calls := f.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, DefaultProbeTimeout, calls[0].Timeout)
}

func TestSystemdExistsLogsListingFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := runnertest.New().
		On("systemctl list-unit-files docker.service",
			runnertest.Exit(1, "System has not been booted with systemd as init system (PID 1). Can't operate.")).
		On("systemctl list-unit-files nope.service",
			runnertest.Response{Result: runner.Result{ExitCode: 1, Stdout: "0 unit files listed."}})
	s := New(Options{Runner: f, Logger: logger})
	ctx := context.Background()

	assert.False(t, s.Exists(ctx, service.Descriptor{ID: "docker", Backend: service.BackendSystemd}))
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "unit not listed")
	assert.Contains(t, out, "System has not been booted")

	buf.Reset()
	assert.False(t, s.Exists(ctx, service.Descriptor{ID: "nope", Backend: service.BackendSystemd}))
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "0 unit files listed.")
}

func TestSystemdQueryStateMapping(t *testing.T) {
	f := runnertest.New().
		On("systemctl is-active a", runnertest.Stdout("active\n")).
		On("systemctl is-active b", runnertest.Response{Result: runner.Result{ExitCode: 3, Stdout: "inactive\n"}}).
		On("systemctl is-active c", runnertest.Response{Result: runner.Result{ExitCode: 3, Stdout: "failed\n"}}).
		On("systemctl is-active d", runnertest.Response{Result: runner.Result{ExitCode: 3, Stdout: "activating\n"}}).
		On("systemctl is-active e", runnertest.Timeout()).
		On("systemctl is-active f", runnertest.Fail("exec: systemctl not found"))
	s := newTestSet(f)
	ctx := context.Background()
	want := map[string]service.State{
		"a": service.StateActive,
		"b": service.StateInactive,
		"c": service.StateFailed,
		"d": service.StateUnknown,
		"e": service.StateError,
		"f": service.StateError,
	}
	for id, st := range want {
		got := s.QueryState(ctx, service.Descriptor{ID: id, Backend: service.BackendSystemd})
		assert.Equal(t, st, got, id)
	}
}

func TestSystemdExecuteUsesElevationAndClassifies(t *testing.T) {
	f := runnertest.New().
		On("pkexec systemctl start docker", runnertest.Stdout("")).
		On("pkexec systemctl stop docker", runnertest.Exit(126, "")).
		On("pkexec systemctl start mariadb", runnertest.Exit(1, "Job for mariadb.service failed.\n")).
		On("pkexec systemctl start postgresql", runnertest.Timeout()).
		On("pkexec systemctl stop postgresql", runnertest.Fail("fork/exec: permission denied"))
	s := newTestSet(f)
	ctx := context.Background()
	d := func(id string) service.Descriptor { return service.Descriptor{ID: id, Backend: service.BackendSystemd} }

	out := s.Execute(ctx, d("docker"), service.ActionStart)
	assert.True(t, out.Success)
	assert.Equal(t, service.OutcomeOK, out.Kind)

	out = s.Execute(ctx, d("docker"), service.ActionStop)
	assert.False(t, out.Success)
	assert.Equal(t, service.OutcomeRejected, out.Kind)
	assert.Equal(t, service.MsgCancelled, out.Error)

	out = s.Execute(ctx, d("mariadb"), service.ActionStart)
	assert.Equal(t, service.OutcomeRejected, out.Kind)
	assert.Equal(t, "Job for mariadb.service failed.", out.Error)

	out = s.Execute(ctx, d("postgresql"), service.ActionStart)
	assert.Equal(t, service.OutcomeTimeout, out.Kind)
	assert.Equal(t, service.MsgTimeout, out.Error)

	out = s.Execute(ctx, d("postgresql"), service.ActionStop)
	assert.Equal(t, service.OutcomeException, out.Kind)
	assert.Contains(t, out.Error, "permission denied")

	for _, c := range f.Calls() {
		assert.Equal(t, DefaultTransitionTimeout, c.Timeout, c.Line())
	}
}

func TestSystemdWithoutElevation(t *testing.T) {
	f := runnertest.New().On("/usr/bin/systemctl stop docker", runnertest.Stdout(""))
	s := New(Options{Runner: f, Systemctl: "/usr/bin/systemctl"})
	out := s.Execute(context.Background(), service.Descriptor{ID: "docker", Backend: service.BackendSystemd}, service.ActionStop)
	assert.True(t, out.Success)
	assert.Equal(t, "systemd:/usr/bin/systemctl", s.Describe(service.BackendSystemd))
}

func TestSystemdMultiWordElevation(t *testing.T) {
	f := runnertest.New().On("sudo -n systemctl start docker", runnertest.Stdout(""))
	s := New(Options{Runner: f, Elevate: []string{"sudo", "-n"}})
	out := s.Execute(context.Background(), service.Descriptor{ID: "docker", Backend: service.BackendSystemd}, service.ActionStart)
	assert.True(t, out.Success)
}

func TestPM2ExistsAndState(t *testing.T) {
	f := runnertest.New().On("pm2 jlist", runnertest.Stdout(jlist))
	s := newTestSet(f)
	ctx := context.Background()
	d := func(id string) service.Descriptor { return service.Descriptor{ID: id, Backend: service.BackendPM2} }

	assert.True(t, s.Exists(ctx, d("shinobi")))
	assert.False(t, s.Exists(ctx, d("missing")))

	assert.Equal(t, service.StateActive, s.QueryState(ctx, d("shinobi")))
	assert.Equal(t, service.StateInactive, s.QueryState(ctx, d("worker")))
	assert.Equal(t, service.StateFailed, s.QueryState(ctx, d("crashy")))
	// absent from the list means nothing runs
	assert.Equal(t, service.StateInactive, s.QueryState(ctx, d("missing")))
}

func TestPM2Failures(t *testing.T) {
	ctx := context.Background()
	d := service.Descriptor{ID: "shinobi", Backend: service.BackendPM2}

	garbage := newTestSet(runnertest.New().On("pm2 jlist", runnertest.Stdout("not json")))
	assert.False(t, garbage.Exists(ctx, d))
	assert.Equal(t, service.StateError, garbage.QueryState(ctx, d))

	timeout := newTestSet(runnertest.New().On("pm2 jlist", runnertest.Timeout()))
	assert.False(t, timeout.Exists(ctx, d))
	assert.Equal(t, service.StateError, timeout.QueryState(ctx, d))

	exit := newTestSet(runnertest.New().On("pm2 jlist", runnertest.Exit(1, "daemon not running")))
	assert.Equal(t, service.StateError, exit.QueryState(ctx, d))
}

func TestParseJListSkipsBanner(t *testing.T) {
	procs, err := parseJList(">>>> In-memory PM2 is out-of-date, do:\n>>>> $ pm2 update\n" + jlist)
	require.NoError(t, err)
	require.Len(t, procs, 3)
	assert.Equal(t, "shinobi", procs[0].Name)
	assert.Equal(t, "online", procs[0].PM2Env.Status)
}

func TestParseJListSkipsDaemonStartLines(t *testing.T) {
	out := "[PM2] Spawning PM2 daemon with pm2_home=/root/.pm2\n" +
		"[PM2] PM2 Successfully daemonized\n" +
		`[{"name":"shinobi","pm2_env":{"status":"online"}}]`
	procs, err := parseJList(out)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "shinobi", procs[0].Name)

	procs, err = parseJList("[PM2] PM2 Successfully daemonized\n[]\n")
	require.NoError(t, err)
	assert.Empty(t, procs)

	procs, err = parseJList("[PM2][WARN] Current process list is not synchronized\n[\n  {\"name\": \"worker\", \"pm2_env\": {\"status\": \"stopped\"}}\n]\n")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "stopped", procs[0].PM2Env.Status)

	_, err = parseJList("[PM2] Spawning PM2 daemon\n[{\"name\":")
	require.Error(t, err)
	_, err = parseJList("[PM2] Spawning PM2 daemon\n")
	require.Error(t, err)
}

func TestPM2ColdStartKeepsServiceInstalled(t *testing.T) {
	out := "[PM2] Spawning PM2 daemon with pm2_home=/root/.pm2\n[PM2] PM2 Successfully daemonized\n" + jlist
	s := newTestSet(runnertest.New().On("pm2 jlist", runnertest.Stdout(out)))
	d := service.Descriptor{ID: "shinobi", Backend: service.BackendPM2}

	assert.True(t, s.Exists(context.Background(), d))
	assert.Equal(t, service.StateActive, s.QueryState(context.Background(), d))
}

func TestPM2Execute(t *testing.T) {
	f := runnertest.New().
		On("pm2 start shinobi", runnertest.Stdout("[PM2] Process successfully started")).
		On("pm2 stop shinobi", runnertest.Exit(1, "[PM2][ERROR] Process shinobi not found"))
	s := newTestSet(f)
	d := service.Descriptor{ID: "shinobi", Backend: service.BackendPM2}

	assert.True(t, s.Execute(context.Background(), d, service.ActionStart).Success)
	out := s.Execute(context.Background(), d, service.ActionStop)
	assert.Equal(t, service.OutcomeRejected, out.Kind)
	assert.Contains(t, out.Error, "not found")
	// pm2 is never elevated
	for _, c := range f.Calls() {
		assert.Equal(t, "pm2", c.Name)
	}
}

func TestExecuteGroupBatchesSystemd(t *testing.T) {
	f := runnertest.New().On("pkexec systemctl stop postgresql docker", runnertest.Stdout(""))
	s := newTestSet(f)
	res := s.ExecuteGroup(context.Background(), service.BackendSystemd, []string{"postgresql", "docker"}, service.ActionStop)
	require.Len(t, res, 1)
	assert.Equal(t, []string{"postgresql", "docker"}, res[0].IDs)
	assert.True(t, res[0].Outcome.Success)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, DefaultBulkTimeout, calls[0].Timeout)
}

func TestExecuteGroupPM2IsSequentialBestEffort(t *testing.T) {
	f := runnertest.New().
		On("pm2 start a", runnertest.Exit(1, "boom")).
		On("pm2 start b", runnertest.Stdout(""))
	s := newTestSet(f)
	res := s.ExecuteGroup(context.Background(), service.BackendPM2, []string{"a", "b"}, service.ActionStart)
	require.Len(t, res, 2)
	assert.False(t, res[0].Outcome.Success)
	assert.True(t, res[1].Outcome.Success)

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "pm2 start a", calls[0].Line())
	assert.Equal(t, "pm2 start b", calls[1].Line())
	assert.Equal(t, DefaultTransitionTimeout, calls[1].Timeout)
}

func TestUnknownBackend(t *testing.T) {
	s := NewSet(nil, nil)
	d := service.Descriptor{ID: "x", Backend: "launchd"}
	ctx := context.Background()
	assert.False(t, s.Exists(ctx, d))
	assert.Equal(t, service.StateError, s.QueryState(ctx, d))
	out := s.Execute(ctx, d, service.ActionStart)
	assert.Equal(t, service.OutcomeException, out.Kind)
	assert.Len(t, s.ExecuteGroup(ctx, "launchd", []string{"x"}, service.ActionStart), 1)
	assert.Nil(t, s.ExecuteGroup(ctx, service.BackendPM2, nil, service.ActionStart))
}

func TestCustomTimeouts(t *testing.T) {
	f := runnertest.New().On("systemctl is-active a", runnertest.Stdout("active"))
	s := New(Options{Runner: f, Timeouts: Timeouts{Probe: 2 * time.Second}})
	s.QueryState(context.Background(), service.Descriptor{ID: "a", Backend: service.BackendSystemd})
	assert.Equal(t, 2*time.Second, f.Calls()[0].Timeout)
}
