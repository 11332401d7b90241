package svcpanel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/svcpanel/internal/backend"
	cfg "github.com/loykin/svcpanel/internal/config"
	"github.com/loykin/svcpanel/internal/env"
	"github.com/loykin/svcpanel/internal/metrics"
	"github.com/loykin/svcpanel/internal/runner"
	iapi "github.com/loykin/svcpanel/internal/server"
	"github.com/loykin/svcpanel/internal/service"
	"github.com/loykin/svcpanel/internal/supervisor"
	itls "github.com/loykin/svcpanel/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Descriptor = service.Descriptor

type Record = service.Record

type Update = service.Update

type Outcome = service.Outcome

type State = service.State

type Action = service.Action

type BulkResult = supervisor.BulkResult

// Runner executes external commands; tests substitute a scripted one.
type Runner = runner.Runner

const (
	ActionStart = service.ActionStart
	ActionStop  = service.ActionStop
)

var (
	ErrUnknownService = service.ErrUnknownService
	ErrNotInstalled   = service.ErrNotInstalled
	ErrBusy           = service.ErrBusy
)

// Panel wires the configured services to their backends and keeps their
// records current.
type Panel struct {
	cfg    Config
	sup    *supervisor.Supervisor
	sched  *supervisor.Scheduler
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	runner runner.Runner
	logger *slog.Logger
}

// WithRunner replaces the command runner (default: os/exec).
func WithRunner(r Runner) Option { return func(o *options) { o.runner = r } }

// WithLogger sets the logger for every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in service table and default settings.
func DefaultConfig() Config { return cfg.Default() }

// New builds a panel. Call Start to discover services and begin polling.
func New(c Config, opts ...Option) *Panel {
	o := options{runner: runner.Exec{Env: env.FromOS(c.Commands.Env)}, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	set := backend.New(backend.Options{
		Runner:    o.runner,
		Systemctl: c.Commands.Systemctl,
		PM2:       c.Commands.PM2,
		Elevate:   c.Commands.Elevate,
		Timeouts: backend.Timeouts{
			Probe:      c.Timeouts.Probe,
			Transition: c.Timeouts.Transition,
			Bulk:       c.Timeouts.Bulk,
		},
		Logger: o.logger,
	})
	sup := supervisor.New(c.Descriptors, set, set,
		supervisor.WithLogger(o.logger),
		supervisor.WithSettleDelay(c.Timeouts.Settle))
	o.logger.Debug("backends configured",
		"systemd", set.Describe(service.BackendSystemd),
		"pm2", set.Describe(service.BackendPM2))
	return &Panel{
		cfg:    c,
		sup:    sup,
		sched:  supervisor.NewScheduler(sup, c.Poll.Interval),
		logger: o.logger,
	}
}

// Discover checks which services exist and probes them once.
func (p *Panel) Discover(ctx context.Context) { p.sup.Discover(ctx) }

// Start discovers services and starts the background poll loop.
func (p *Panel) Start(ctx context.Context) {
	p.sup.Discover(ctx)
	p.sched.Start()
	p.logger.Info("panel started", "services", len(p.cfg.Descriptors), "poll", p.sched.Interval())
}

// Close stops polling and waits for in-flight transitions or ctx.
func (p *Panel) Close(ctx context.Context) error {
	p.sched.Stop()
	return p.sup.Close(ctx)
}

func (p *Panel) Snapshot() []Record                           { return p.sup.Snapshot() }
func (p *Panel) Get(id string) (Record, error)                { return p.sup.Get(id) }
func (p *Panel) Refresh(ctx context.Context) int              { return p.sched.Tick(ctx) }
func (p *Panel) Subscribe(buffer int) (<-chan Update, func()) { return p.sup.Subscribe(buffer) }
func (p *Panel) Request(id string, a Action) (<-chan Outcome, error) {
	return p.sup.Request(id, a)
}
func (p *Panel) Do(ctx context.Context, id string, a Action) (Outcome, error) {
	return p.sup.Do(ctx, id, a)
}
func (p *Panel) BulkTransition(ctx context.Context, a Action) BulkResult {
	return p.sched.BulkTransition(ctx, a)
}

// Handler returns the HTTP API mounted under basePath.
func (p *Panel) Handler(basePath string) http.Handler {
	return iapi.NewRouter(p.sup, p.sched, basePath,
		iapi.WithLogger(p.logger), iapi.WithMetrics(p.cfg.Metrics.Enabled)).Handler()
}

// NewHTTPServer starts an HTTP server exposing the API for p, over HTTPS
// when [server.tls] is enabled. Listen errors are returned immediately.
func NewHTTPServer(addr, basePath string, p *Panel) (*http.Server, error) {
	tlsCfg, err := itls.Setup(p.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	r := iapi.NewRouter(p.sup, p.sched, basePath,
		iapi.WithLogger(p.logger), iapi.WithMetrics(p.cfg.Metrics.Enabled))
	return iapi.NewServer(addr, r, tlsCfg)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It blocks.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
