package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/svcpanel/pkg/client"
)

type command struct {
	out    io.Writer
	in     io.Reader
	logger *slog.Logger
	// open is replaced in tests
	open func(ctx context.Context, f GlobalFlags, logger *slog.Logger) (panelAPI, error)
}

func (c *command) printer(f GlobalFlags) printer {
	return printer{w: c.out, json: f.JSON, color: !f.NoColor && !f.JSON}
}

// with opens the API, runs fn and always closes the API afterwards.
func (c *command) with(ctx context.Context, f GlobalFlags, fn func(api panelAPI) error) error {
	api, err := c.open(ctx, f, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		_ = api.Close(cctx)
	}()
	return fn(api)
}

func (c *command) Status(ctx context.Context, f GlobalFlags, id string) error {
	return c.with(ctx, f, func(api panelAPI) error {
		if id == "" {
			recs, err := api.List(ctx)
			if err != nil {
				return err
			}
			c.printer(f).records(recs)
			return nil
		}
		rec, err := api.Get(ctx, id)
		if err != nil {
			return err
		}
		c.printer(f).records([]client.ServiceRecord{rec})
		return nil
	})
}

// Transition starts or stops one service. A failed outcome is returned as an
// error so the process exits nonzero.
func (c *command) Transition(ctx context.Context, f GlobalFlags, id, action string) error {
	return c.with(ctx, f, func(api panelAPI) error {
		var out client.Outcome
		var err error
		if action == "start" {
			out, err = api.Start(ctx, id)
		} else {
			out, err = api.Stop(ctx, id)
		}
		if err != nil {
			return err
		}
		c.printer(f).outcome(out)
		if !out.Success {
			return errors.New(out.Message)
		}
		return nil
	})
}

func (c *command) Refresh(ctx context.Context, f GlobalFlags) error {
	return c.with(ctx, f, func(api panelAPI) error {
		res, err := api.Refresh(ctx)
		if err != nil {
			return err
		}
		if f.JSON {
			c.printer(f).printJSON(res)
			return nil
		}
		_, _ = fmt.Fprintf(c.out, "%s (%d services refreshed)\n", res.Message, res.Refreshed)
		return nil
	})
}

func (c *command) StartAll(ctx context.Context, f GlobalFlags) error {
	return c.with(ctx, f, func(api panelAPI) error {
		res, err := api.StartAll(ctx)
		if err != nil {
			return err
		}
		return c.finishBulk(f, res)
	})
}

// StopAll asks for confirmation on the input stream unless yes is set.
func (c *command) StopAll(ctx context.Context, f GlobalFlags, yes bool) error {
	if !yes && !c.confirm("Stop all installed services? [y/N]: ") {
		_, _ = fmt.Fprintln(c.out, "aborted")
		return nil
	}
	return c.with(ctx, f, func(api panelAPI) error {
		res, err := api.StopAll(ctx)
		if err != nil {
			return err
		}
		return c.finishBulk(f, res)
	})
}

func (c *command) finishBulk(f GlobalFlags, res client.BulkResult) error {
	c.printer(f).bulk(res)
	if res.NothingAvailable || res.Success {
		return nil
	}
	return errors.New(res.Message)
}

func (c *command) confirm(prompt string) bool {
	_, _ = fmt.Fprint(c.out, prompt)
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// Watch prints every update until ctx ends.
func (c *command) Watch(ctx context.Context, f GlobalFlags) error {
	return c.with(ctx, f, func(api panelAPI) error {
		p := c.printer(f)
		err := api.Watch(ctx, p.update)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
