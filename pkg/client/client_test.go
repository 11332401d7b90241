package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 5 * time.Second, Logger: quiet})
}

func replyJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListAndGet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, r *http.Request) {
		replyJSON(w, 200, []ServiceRecord{{ID: "docker", Label: "Docker Engine", Exists: true, State: "active"}})
	})
	mux.HandleFunc("GET /api/services/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "docker" {
			replyJSON(w, 404, ErrorResponse{Error: "unknown service: " + r.PathValue("id")})
			return
		}
		replyJSON(w, 200, ServiceRecord{ID: "docker", State: "inactive"})
	})
	c := newTestClient(t, mux)

	recs, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Docker Engine", recs[0].Label)

	rec, err := c.Get(context.Background(), "docker")
	require.NoError(t, err)
	assert.Equal(t, "inactive", rec.State)

	_, err = c.Get(context.Background(), "redis")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.NotFound())
	assert.Contains(t, apiErr.Error(), "unknown service: redis")
}

func TestTransitions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/services/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "shinobi" {
			replyJSON(w, 409, ErrorResponse{Error: "already in progress: shinobi"})
			return
		}
		replyJSON(w, 200, Outcome{
			Success: true, Kind: "ok", State: "active",
			Message: fmt.Sprintf("service %s %sed", r.PathValue("id"), r.PathValue("action")),
		})
	})
	c := newTestClient(t, mux)

	out, err := c.Start(context.Background(), "docker")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "service docker started", out.Message)

	_, err = c.Stop(context.Background(), "shinobi")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Conflict())
}

func TestRefreshAndBulk(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/refresh", func(w http.ResponseWriter, r *http.Request) {
		replyJSON(w, 200, RefreshResult{Refreshed: 3, Message: "states updated"})
	})
	mux.HandleFunc("POST /api/bulk/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("action") == "start" {
			replyJSON(w, 200, BulkResult{Action: "start", NothingAvailable: true, Message: "nothing available"})
			return
		}
		replyJSON(w, 200, BulkResult{Action: "stop", Success: true, Attempted: []string{"docker"}, Message: "all services stopped"})
	})
	c := newTestClient(t, mux)

	rr, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rr.Refreshed)

	br, err := c.StartAll(context.Background())
	require.NoError(t, err)
	assert.True(t, br.NothingAvailable)

	br, err = c.StopAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"docker"}, br.Attempted)
}

func TestWatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, st := range []string{"inactive", "active"} {
			b, _ := json.Marshal(Update{ID: "docker", Record: ServiceRecord{ID: "docker", State: st, Version: uint64(i + 1)}})
			_, _ = fmt.Fprintf(w, "event:update\ndata:%s\n\n", b)
		}
		_, _ = fmt.Fprint(w, "event:ping\ndata:{}\n\n")
	})
	c := newTestClient(t, mux)

	var got []Update
	err := c.Watch(context.Background(), func(u Update) { got = append(got, u) })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "active", got[1].Record.State)
	assert.Equal(t, uint64(2), got[1].Record.Version)
}

func TestWatchError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	err := c.Watch(context.Background(), func(Update) {})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		replyJSON(w, 200, []ServiceRecord{})
	}))
	assert.True(t, c.IsReachable(context.Background()))

	down := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second, Logger: quiet})
	assert.False(t, down.IsReachable(context.Background()))
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, 90*time.Second, c.client.Timeout)
	assert.Zero(t, c.stream.Timeout)
}
