package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/loykin/svcpanel"
	"github.com/loykin/svcpanel/pkg/client"
)

type printer struct {
	w     io.Writer
	json  bool
	color bool
}

func (p printer) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(p.w, string(b))
}

func (p printer) state(r client.ServiceRecord) string {
	s := r.State
	if !r.Exists {
		s = "not installed"
	}
	if !p.color {
		return s
	}
	switch {
	case !r.Exists:
		return text.FgHiBlack.Sprint(s)
	case svcpanel.State(r.State).Running():
		return text.FgGreen.Sprint(s)
	case r.State == "failed", r.State == "error":
		return text.FgRed.Sprint(s)
	case r.State == "unknown":
		return text.FgYellow.Sprint(s)
	}
	return s
}

func (p printer) records(recs []client.ServiceRecord) {
	if p.json {
		p.printJSON(recs)
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(p.w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Service", "ID", "Backend", "State", "Busy", "Last error"})
	for _, r := range recs {
		busy := ""
		if r.Busy {
			busy = "yes"
		}
		t.AppendRow(table.Row{r.Label, r.ID, r.Backend, p.state(r), busy, r.LastError})
	}
	t.Render()
}

func (p printer) outcome(o client.Outcome) {
	if p.json {
		p.printJSON(o)
		return
	}
	msg := o.Message
	if p.color && !o.Success {
		msg = text.FgRed.Sprint(msg)
	}
	_, _ = fmt.Fprintf(p.w, "%s (state: %s)\n", msg, o.State)
}

func (p printer) bulk(b client.BulkResult) {
	if p.json {
		p.printJSON(b)
		return
	}
	_, _ = fmt.Fprintln(p.w, b.Message)
	for _, g := range b.Invocations {
		if !g.Outcome.Success {
			_, _ = fmt.Fprintf(p.w, "  %v: %s\n", g.IDs, g.Outcome.Error)
		}
	}
	if len(b.Skipped) > 0 {
		_, _ = fmt.Fprintf(p.w, "  skipped (busy): %v\n", b.Skipped)
	}
}

func (p printer) update(u client.Update) {
	if p.json {
		b, _ := json.Marshal(u)
		_, _ = fmt.Fprintln(p.w, string(b))
		return
	}
	r := u.Record
	line := fmt.Sprintf("%s  %-12s %s", r.UpdatedAt.Local().Format(time.TimeOnly), r.ID, p.state(r))
	if r.Busy {
		line += "  (busy)"
	}
	if r.LastError != "" {
		line += "  last error: " + r.LastError
	}
	_, _ = fmt.Fprintln(p.w, line)
}
