package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/svcpanel/internal/metrics"
	"github.com/loykin/svcpanel/internal/service"
	"github.com/loykin/svcpanel/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the service panel.
// Endpoints:
//
//	GET  {basePath}/services             all records in table order
//	GET  {basePath}/services/:id         one record
//	POST {basePath}/services/:id/start   query: async=1 returns 202 without waiting
//	POST {basePath}/services/:id/stop
//	POST {basePath}/refresh              re-probe every idle service
//	POST {basePath}/bulk/start           start-all
//	POST {basePath}/bulk/stop            stop-all
//	GET  {basePath}/events               server-sent "update" events
//	GET  {basePath}/metrics              when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	sched    *supervisor.Scheduler
	basePath string
	logger   *slog.Logger
	metrics  bool
}

type RouterOption func(*Router)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics exposes the Prometheus handler under {basePath}/metrics.
func WithMetrics(on bool) RouterOption {
	return func(r *Router) { r.metrics = on }
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(sup *supervisor.Supervisor, sched *supervisor.Scheduler, basePath string, opts ...RouterOption) *Router {
	r := &Router{sup: sup, sched: sched, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.logRequests)
	group := g.Group(r.basePath)
	group.GET("/services", r.handleList)
	group.GET("/services/:id", r.handleGet)
	group.POST("/services/:id/:action", r.handleTransition)
	group.POST("/refresh", r.handleRefresh)
	group.POST("/bulk/:action", r.handleBulk)
	group.GET("/events", r.handleEvents)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. A
// non-nil tlsCfg serves HTTPS.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// transitions wait up to the bulk timeout; events stream indefinitely
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsCfg,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

func (r *Router) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.logger.Debug("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type refreshResp struct {
	Refreshed int    `json:"refreshed"`
	Message   string `json:"message"`
}

type acceptedResp struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
	Action   string `json:"action"`
}

// statusFor maps request errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotInstalled), errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Snapshot())
}

func (r *Router) handleGet(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	rec, err := r.sup.Get(id)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleTransition(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	action, err := service.ParseAction(c.Param("action"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if c.Query("async") != "" && c.Query("async") != "0" {
		if _, err := r.sup.Request(id, action); err != nil {
			writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, ID: id, Action: string(action)})
		return
	}
	out, err := r.sup.Do(c.Request.Context(), id, action)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	// a failed transition is still a completed request; the outcome says why
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRefresh(c *gin.Context) {
	n := r.sched.Tick(c.Request.Context())
	writeJSON(c, http.StatusOK, refreshResp{Refreshed: n, Message: "states updated"})
}

func (r *Router) handleBulk(c *gin.Context) {
	action, err := service.ParseAction(c.Param("action"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	res := r.sched.BulkTransition(c.Request.Context(), action)
	writeJSON(c, http.StatusOK, res)
}

// handleEvents streams the current records followed by every change.
func (r *Router) handleEvents(c *gin.Context) {
	updates, cancel := r.sup.Subscribe(64)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	for _, rec := range r.sup.Snapshot() {
		c.SSEvent("update", service.Update{ID: rec.ID, Record: rec})
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("update", u)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
