package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospect-enricher/internal/model"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().String("format", formatTable, "output format (table, json, yaml)")
}

func outputFormat(cmd *cobra.Command) (string, error) {
	f, _ := cmd.Flags().GetString("format")
	switch f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	default:
		return "", eris.Errorf("unknown format %q (want table, json or yaml)", f)
	}
}

// render writes v as JSON or YAML, or calls tableFn for the table format.
func render(out io.Writer, format string, v any, tableFn func(io.Writer)) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		tableFn(out)
		return nil
	}
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	return t
}

func formatJobsTable(out io.Writer, list []model.Job) {
	t := newTable(out)
	t.AppendHeader(table.Row{"ID", "Kind", "Status", "Progress", "Success", "Failed", "Batch", "Chain", "Updated"})
	for _, j := range list {
		t.AppendRow(table.Row{
			truncateID(j.ID),
			j.Kind,
			j.Status,
			fmt.Sprintf("%d/%d", j.ProcessedCount, j.TotalCount),
			j.SuccessCount,
			j.FailureCount,
			j.BatchSize,
			j.Chain,
			formatTime(j.UpdatedAt),
		})
	}
	t.Render()
}

func formatJobDetail(out io.Writer, j *model.Job) {
	t := newTable(out)
	t.AppendRows([]table.Row{
		{"ID", j.ID},
		{"Kind", j.Kind},
		{"Status", j.Status},
		{"Total", j.TotalCount},
		{"Processed", j.ProcessedCount},
		{"Succeeded", j.SuccessCount},
		{"Failed", j.FailureCount},
		{"Skipped", j.ProcessedCount - j.SuccessCount - j.FailureCount},
		{"Batch size", j.BatchSize},
		{"Chain", j.Chain},
		{"Force regenerate", j.ForceRegenerate},
		{"Cursor", j.LastProcessedReportID},
		{"Last error", j.LastError},
		{"Created", formatTime(j.CreatedAt)},
		{"Updated", formatTime(j.UpdatedAt)},
	})
	if j.CompletedAt != nil {
		t.AppendRow(table.Row{"Completed", formatTime(*j.CompletedAt)})
	}
	t.Render()
}

func formatFailuresTable(out io.Writer, list []model.JobFailure) {
	t := newTable(out)
	t.AppendHeader(table.Row{"Domain", "Attempts", "Type", "Error", "At"})
	for _, f := range list {
		t.AppendRow(table.Row{f.Domain, f.Attempts, f.ErrorType, truncate(f.Error, 80), formatTime(f.CreatedAt)})
	}
	t.Render()
}

func formatProspectsTable(out io.Writer, list []model.Prospect) {
	t := newTable(out)
	t.AppendHeader(table.Row{"ID", "Domain", "Company", "Status", "Contacts", "Icebreaker", "Retries", "Locked by"})
	for _, p := range list {
		t.AppendRow(table.Row{
			truncateID(p.ID),
			p.Domain,
			truncate(p.CompanyName, 30),
			p.Status,
			p.ContactCount,
			p.HasIcebreaker(),
			p.EnrichmentRetryCount,
			p.EnrichmentLockedBy,
		})
	}
	t.Render()
}

func formatAuditTable(out io.Writer, list []model.AuditEntry) {
	t := newTable(out)
	t.AppendHeader(table.Row{"At", "Field", "Old", "New", "Note", "Actor"})
	for _, e := range list {
		t.AppendRow(table.Row{
			formatTime(e.CreatedAt),
			e.Field,
			truncate(e.OldValue, 30),
			truncate(e.NewValue, 30),
			truncate(e.Note, 50),
			e.Actor,
		})
	}
	t.Render()
}

func formatKeyValues(out io.Writer, rows [][2]any) {
	t := newTable(out)
	for _, r := range rows {
		t.AppendRow(table.Row{r[0], r[1]})
	}
	t.Render()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format("2006-01-02 15:04")
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
