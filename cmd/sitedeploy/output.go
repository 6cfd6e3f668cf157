package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/snapshot"
	"github.com/qiniu/sitedeploy/internal/site"
)

// printer renders command results as tables, or as JSON with -json.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, jsonOut bool) *printer {
	return &printer{w: w, json: jsonOut}
}

func (p *printer) emit(v any) bool {
	if !p.json {
		return false
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
	return true
}

func (p *printer) table(header string, rows func(tw *tabwriter.Writer)) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	_ = tw.Flush()
}

func (p *printer) report(r *model.FleetDeployReport) {
	if p.emit(r) {
		return
	}
	p.table("SITE\tSTATUS\tFAILED STEP\tDURATION\tDETAIL", func(tw *tabwriter.Writer) {
		for _, res := range r.Results {
			resultRow(tw, res)
		}
	})
	dry := ""
	if r.DryRun {
		dry = " (dry run)"
	}
	fmt.Fprintf(p.w, "\n%d sites: %d succeeded, %d failed%s  run %s\n", r.TotalSites, r.Succeeded, r.Failed, dry, r.RunID)
}

func (p *printer) result(res *model.SiteDeployResult) {
	if p.emit(res) {
		return
	}
	p.table("STEP\tSTATUS\tREASON\tDURATION\tDETAIL", func(tw *tabwriter.Writer) {
		for _, s := range res.Steps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Kind, s.Status, s.Reason, round(s.Duration), oneLine(s.Detail))
		}
	})
	fmt.Fprintf(p.w, "\n%s: %s", res.SiteName, res.OverallStatus)
	if res.Rollback != "" {
		fmt.Fprintf(p.w, " (rollback to %s)", res.Rollback)
	}
	if res.Error != "" {
		fmt.Fprintf(p.w, ": %s", res.Error)
	}
	fmt.Fprintln(p.w)
}

func resultRow(tw *tabwriter.Writer, res *model.SiteDeployResult) {
	detail := res.Error
	if res.FailedStep != "" {
		if s, ok := res.Step(res.FailedStep); ok {
			detail = s.Detail
		}
	} else if res.OverallStatus == model.StatusPartialFailure {
		if s, ok := res.Step(model.StepVerify); ok {
			detail = s.Detail
		}
	}
	failed := string(res.FailedStep)
	if failed == "" {
		failed = "-"
	}
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.SiteName, res.OverallStatus, failed, round(res.Duration()), oneLine(detail))
}

func (p *printer) sites(ds []site.Descriptor) {
	if p.emit(siteRows(ds)) {
		return
	}
	p.table("NAME\tMETHOD\tTARGET\tREMOTE PATH\tURL", func(tw *tabwriter.Writer) {
		for _, d := range ds {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Method, d.Remote.Address(), d.Remote.Path, d.URL)
		}
	})
}

func siteRows(ds []site.Descriptor) []map[string]any {
	out := make([]map[string]any, 0, len(ds))
	for _, d := range ds {
		out = append(out, map[string]any{
			"name":       d.Name,
			"method":     d.Method,
			"host":       d.Remote.Host,
			"port":       d.Remote.Port,
			"remotePath": d.Remote.Path,
			"url":        d.URL,
		})
	}
	return out
}

func (p *printer) status(statuses []model.HealthStatus) {
	if p.emit(statuses) {
		return
	}
	p.table("SITE\tSTATE\tCODE\tLATENCY\tERROR", func(tw *tabwriter.Writer) {
		for _, st := range statuses {
			state := "offline"
			if st.Online {
				state = "online"
			}
			code := "-"
			if st.StatusCode != 0 {
				code = fmt.Sprint(st.StatusCode)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.SiteName, state, code, round(st.Latency), oneLine(st.Error))
		}
	})
	fmt.Fprintf(p.w, "\n%d/%d online\n", len(statuses)-model.CountOffline(statuses), len(statuses))
}

func (p *printer) snapshots(list []snapshot.Info) {
	if p.emit(list) {
		return
	}
	if len(list) == 0 {
		fmt.Fprintln(p.w, "no snapshots")
		return
	}
	p.table("NAME\tCREATED", func(tw *tabwriter.Writer) {
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.CreatedAt.Format(time.DateTime))
		}
	})
}

func round(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(100 * time.Millisecond)
	}
	return d.Round(time.Millisecond)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
