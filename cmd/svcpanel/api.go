package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loykin/svcpanel"
	"github.com/loykin/svcpanel/pkg/client"
)

// panelAPI is what the CLI needs, served either by a daemon over HTTP or by
// an in-process panel.
type panelAPI interface {
	List(ctx context.Context) ([]client.ServiceRecord, error)
	Get(ctx context.Context, id string) (client.ServiceRecord, error)
	Start(ctx context.Context, id string) (client.Outcome, error)
	Stop(ctx context.Context, id string) (client.Outcome, error)
	Refresh(ctx context.Context) (client.RefreshResult, error)
	StartAll(ctx context.Context) (client.BulkResult, error)
	StopAll(ctx context.Context) (client.BulkResult, error)
	Watch(ctx context.Context, fn func(client.Update)) error
	Close(ctx context.Context) error
}

// openAPI connects to the daemon when an API URL is given, otherwise it
// builds a local panel from the config file and discovers services.
func openAPI(ctx context.Context, f GlobalFlags, logger *slog.Logger) (panelAPI, error) {
	if f.APIUrl != "" {
		c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Logger: logger})
		if !c.IsReachable(ctx) {
			return nil, fmt.Errorf("daemon not reachable at %s - start it with 'svcpanel serve'", f.APIUrl)
		}
		return remoteAPI{c}, nil
	}
	cfg, err := svcpanel.LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	p := svcpanel.New(cfg, svcpanel.WithLogger(logger))
	p.Discover(ctx)
	return localAPI{p}, nil
}

type remoteAPI struct{ *client.Client }

func (remoteAPI) Close(context.Context) error { return nil }

type localAPI struct{ p *svcpanel.Panel }

func (l localAPI) List(context.Context) ([]client.ServiceRecord, error) {
	recs := l.p.Snapshot()
	out := make([]client.ServiceRecord, len(recs))
	for i, r := range recs {
		out[i] = toRecord(r)
	}
	return out, nil
}

func (l localAPI) Get(_ context.Context, id string) (client.ServiceRecord, error) {
	r, err := l.p.Get(id)
	if err != nil {
		return client.ServiceRecord{}, err
	}
	return toRecord(r), nil
}

func (l localAPI) Start(ctx context.Context, id string) (client.Outcome, error) {
	out, err := l.p.Do(ctx, id, svcpanel.ActionStart)
	return toOutcome(out), err
}

func (l localAPI) Stop(ctx context.Context, id string) (client.Outcome, error) {
	out, err := l.p.Do(ctx, id, svcpanel.ActionStop)
	return toOutcome(out), err
}

func (l localAPI) Refresh(ctx context.Context) (client.RefreshResult, error) {
	return client.RefreshResult{Refreshed: l.p.Refresh(ctx), Message: "states updated"}, nil
}

func (l localAPI) StartAll(ctx context.Context) (client.BulkResult, error) {
	return toBulk(l.p.BulkTransition(ctx, svcpanel.ActionStart)), nil
}

func (l localAPI) StopAll(ctx context.Context) (client.BulkResult, error) {
	return toBulk(l.p.BulkTransition(ctx, svcpanel.ActionStop)), nil
}

// Watch polls in-process: the panel's scheduler is started for the
// duration of the watch.
func (l localAPI) Watch(ctx context.Context, fn func(client.Update)) error {
	updates, cancel := l.p.Subscribe(64)
	defer cancel()
	for _, r := range l.p.Snapshot() {
		fn(client.Update{ID: r.ID, Record: toRecord(r)})
	}
	l.p.Start(ctx)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			fn(client.Update{ID: u.ID, Record: toRecord(u.Record)})
		case <-ctx.Done():
			return nil
		}
	}
}

func (l localAPI) Close(ctx context.Context) error { return l.p.Close(ctx) }

func toRecord(r svcpanel.Record) client.ServiceRecord {
	return client.ServiceRecord{
		ID:        r.ID,
		Label:     r.Label,
		Backend:   string(r.Backend),
		Exists:    r.Exists,
		State:     string(r.State),
		Busy:      r.Busy,
		LastError: r.LastError,
		UpdatedAt: r.UpdatedAt,
		Version:   r.Version,
	}
}

func toOutcome(o svcpanel.Outcome) client.Outcome {
	return client.Outcome{
		Success: o.Success,
		Kind:    string(o.Kind),
		Error:   o.Error,
		Message: o.Message,
		State:   string(o.State),
	}
}

func toBulk(b svcpanel.BulkResult) client.BulkResult {
	out := client.BulkResult{
		Action:           string(b.Action),
		Attempted:        b.Attempted,
		Skipped:          b.Skipped,
		NothingAvailable: b.NothingAvailable,
		Success:          b.Success,
		Message:          b.Message,
	}
	for _, g := range b.Invocations {
		out.Invocations = append(out.Invocations, client.GroupOutcome{IDs: g.IDs, Outcome: toOutcome(g.Outcome)})
	}
	return out
}
