package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/svcpanel"
	"github.com/loykin/svcpanel/internal/logger"
)

// runServe runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, g GlobalFlags, sf ServeFlags, console io.Writer) error {
	cfg, err := svcpanel.LoadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	if sf.Listen != "" {
		cfg.Server.Listen = sf.Listen
	}
	if sf.BasePath != "" {
		cfg.Server.BasePath = sf.BasePath
	}
	if sf.LogLevel != "" {
		cfg.Log.Level = sf.LogLevel
	}
	if sf.LogFile != "" {
		cfg.Log.File = sf.LogFile
	}

	log, closer, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Color:      cfg.Log.Color && !g.NoColor,
		ShowTime:   true,
	}, console)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if cfg.Metrics.Enabled {
		if err := svcpanel.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := svcpanel.ServeMetrics(cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", "addr", cfg.Metrics.Listen, "error", err)
				}
			}()
		}
	}

	p := svcpanel.New(cfg, svcpanel.WithLogger(log))
	p.Start(ctx)
	srv, err := svcpanel.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, p)
	if err != nil {
		_ = p.Close(context.Background())
		return err
	}
	log.Info("svcpanel listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	// in-flight transitions are bounded by the bulk timeout
	cctx, ccancel := context.WithTimeout(context.Background(), cfg.Timeouts.Bulk+5*time.Second)
	defer ccancel()
	return p.Close(cctx)
}
