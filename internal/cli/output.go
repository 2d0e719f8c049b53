package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"trainingjobs/internal/job"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case formatTable, "":
		return &printer{w: w}, nil
	case formatJSON:
		return &printer{w: w, json: true}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want table or json)", format)
	}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) started(resp *job.StartResponse) error {
	if p.json {
		return p.encode(resp)
	}
	_, err := fmt.Fprintf(p.w, "%s\t%s\n", resp.JobID, resp.State)
	return err
}

func (p *printer) status(s *job.Status) error {
	if p.json {
		return p.encode(s)
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	row := func(k, v string) { _, _ = fmt.Fprintf(w, "%s:\t%s\n", k, v) }
	row("Job ID", s.ID)
	row("State", string(s.State))
	if s.Reason != "" {
		row("Reason", string(s.Reason))
	}
	if s.Error != "" {
		row("Error", s.Error)
	}
	row("Model", s.ModelType)
	row("Dataset", s.Dataset)
	row("Polls", fmt.Sprintf("%d (retries %d)", s.PollCount, s.PollRetries))
	if s.NextPollAt != nil {
		row("Next poll", formatTime(*s.NextPollAt))
	}
	if s.Result != nil {
		row("Accuracy", formatFloat(s.Result.Accuracy))
	}
	row("Created", formatTime(s.CreatedAt))
	row("Updated", formatTime(s.UpdatedAt))
	return nil
}

func (p *printer) jobs(jobs []job.Status) error {
	if p.json {
		return p.encode(jobs)
	}
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(p.w, "No jobs found")
		return err
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tMODEL\tDATASET\tPOLLS\tCREATED")
	for _, s := range jobs {
		state := string(s.State)
		if s.Reason != "" {
			state += " (" + string(s.Reason) + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, state, s.ModelType, s.Dataset, s.PollCount, formatTime(s.CreatedAt))
	}
	return nil
}

func (p *printer) artifacts(a *job.DerivedArtifact) error {
	if p.json {
		return p.encode(a)
	}
	if a.Metric == nil && a.ABResult == nil && a.TuningResult == nil {
		_, err := fmt.Fprintln(p.w, "No artifacts recorded")
		return err
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	if m := a.Metric; m != nil {
		_, _ = fmt.Fprintf(w, "Metric:\t%s=%s\n", m.Name, formatFloat(m.Value))
	}
	if r := a.ABResult; r != nil {
		_, _ = fmt.Fprintf(w, "A/B result:\t%s=%s vs %s=%s\n",
			r.ModelA, formatFloat(r.PerformanceA), r.ModelB, formatFloat(r.PerformanceB))
	}
	if r := a.TuningResult; r != nil {
		_, _ = fmt.Fprintf(w, "Tuning result:\t%s (%s)\n", formatFloat(r.Performance), formatParams(r.BestHyperparameters))
	}
	return nil
}

func (p *printer) performance(points []job.PerformancePoint) error {
	if p.json {
		return p.encode(points)
	}
	if len(points) == 0 {
		_, err := fmt.Fprintln(p.w, "No completed jobs")
		return err
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "DATE\tACCURACY\tLOSS")
	for _, pt := range points {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", pt.Date, formatFloat(pt.Accuracy), formatFloat(pt.Loss))
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.4f", f)
}

// formatParams renders hyperparameters sorted by name.
func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ", ")
}
