// Package report aggregates test records from a results directory, and
// verdict history, into table, markdown, JSON or HTML summaries.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/signalnine/credo/internal/history"
	"github.com/signalnine/credo/internal/logging"
	"github.com/signalnine/credo/internal/systest"
)

// TestRow is one executed test.
type TestRow struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Status   string   `json:"status"`
	Seconds  float64  `json:"seconds"`
	Runs     int      `json:"runs"`
	Detail   string   `json:"detail,omitempty"`
	Record   string   `json:"record"`
	Failures []string `json:"failures,omitempty"`
}

// TypeSummary aggregates the tests of one type.
type TypeSummary struct {
	Type     string  `json:"type"`
	Tests    int     `json:"tests"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errors   int     `json:"errors"`
	PassRate float64 `json:"pass_rate"`
}

// Summary is the whole report for one results directory.
type Summary struct {
	Tests []TestRow     `json:"tests"`
	Types []TypeSummary `json:"types"`
}

// Generate reads every test record under runDir and writes a report.
func Generate(runDir, format string, w io.Writer) error {
	recs, paths, err := collectRecords(runDir)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no test records under %s", runDir)
	}
	s := summarize(recs, paths)

	switch format {
	case "markdown":
		_, err := io.WriteString(w, markdown(s))
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "html":
		return writeHTML(markdown(s), w)
	case "", "table":
		writeTables(s, w)
		return nil
	}
	return fmt.Errorf("unknown report format %q (valid: table, markdown, json, html)", format)
}

func collectRecords(runDir string) ([]*systest.Record, []string, error) {
	var recs []*systest.Record
	var paths []string
	err := filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasPrefix(info.Name(), systest.RecordPrefix) || filepath.Ext(path) != ".xml" {
			return nil
		}
		rec, err := systest.ReadRecord(path)
		if err != nil {
			logging.Warn("Report", "skipping unreadable record %s: %v", path, err)
			return nil
		}
		recs = append(recs, rec)
		paths = append(paths, path)
		return nil
	})
	return recs, paths, err
}

func summarize(recs []*systest.Record, paths []string) Summary {
	var s Summary
	byType := map[string]*TypeSummary{}
	for i, rec := range recs {
		row := TestRow{
			Name:    rec.Name,
			Type:    rec.Type,
			Status:  rec.Status,
			Seconds: rec.Duration().Seconds(),
			Runs:    len(rec.Runs),
			Record:  paths[i],
		}
		if rec.Status != systest.Pass.String() {
			row.Detail = rec.Detail
			for _, c := range rec.Components {
				if c.Status != systest.Pass.String() {
					row.Failures = append(row.Failures, c.Name)
				}
			}
		}
		s.Tests = append(s.Tests, row)

		ts, ok := byType[rec.Type]
		if !ok {
			ts = &TypeSummary{Type: rec.Type}
			byType[rec.Type] = ts
		}
		ts.Tests++
		switch systest.ParseStatus(rec.Status) {
		case systest.Pass:
			ts.Passed++
		case systest.Fail:
			ts.Failed++
		default:
			ts.Errors++
		}
	}
	for _, ts := range byType {
		ts.PassRate = float64(ts.Passed) / float64(ts.Tests)
		s.Types = append(s.Types, *ts)
	}
	sort.Slice(s.Tests, func(i, j int) bool { return s.Tests[i].Name < s.Tests[j].Name })
	sort.Slice(s.Types, func(i, j int) bool { return s.Types[i].Type < s.Types[j].Type })
	return s
}

func testTable(s Summary) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Test", "Type", "Status", "Runs", "Time", "Failing"})
	for _, r := range s.Tests {
		t.AppendRow(table.Row{r.Name, r.Type, r.Status, r.Runs, formatSeconds(r.Seconds), strings.Join(r.Failures, ", ")})
	}
	return t
}

func typeTable(s Summary) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Type", "Tests", "Passed", "Failed", "Errors", "Pass Rate"})
	for _, ts := range s.Types {
		t.AppendRow(table.Row{ts.Type, ts.Tests, ts.Passed, ts.Failed, ts.Errors, fmt.Sprintf("%.0f%%", ts.PassRate*100)})
	}
	return t
}

func writeTables(s Summary, w io.Writer) {
	for _, t := range []table.Writer{testTable(s), typeTable(s)} {
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleRounded)
		t.Render()
	}
	for _, r := range s.Tests {
		if r.Detail == "" {
			continue
		}
		fmt.Fprintf(w, "\n%s (%s):\n", r.Name, r.Status)
		for _, line := range strings.Split(r.Detail, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func markdown(s Summary) string {
	var b strings.Builder
	b.WriteString("# Test report\n\n")
	b.WriteString(testTable(s).RenderMarkdown())
	b.WriteString("\n\n## By type\n\n")
	b.WriteString(typeTable(s).RenderMarkdown())
	b.WriteString("\n")
	for _, r := range s.Tests {
		if r.Detail == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s: %s\n\n```\n%s\n```\n", r.Name, r.Status, r.Detail)
	}
	return b.String()
}

func writeHTML(md string, w io.Writer) error {
	var body bytes.Buffer
	if err := goldmark.New(goldmark.WithExtensions(extension.GFM)).Convert([]byte(md), &body); err != nil {
		return fmt.Errorf("rendering html: %w", err)
	}
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>Test report</title></head>\n<body>\n%s</body>\n</html>\n", body.String())
	return nil
}

func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}

// GenerateHistory writes a per-test summary of the verdict history and the
// tests that have regressed since their previous execution.
func GenerateHistory(ctx context.Context, store *history.Store, format string, w io.Writer) error {
	sums, err := store.Summaries(ctx)
	if err != nil {
		return err
	}
	regressed, err := store.Regressions(ctx)
	if err != nil {
		return err
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Tests       []history.TestSummary `json:"tests"`
			Regressions []string              `json:"regressions"`
		}{sums, regressed})
	}
	isRegressed := map[string]bool{}
	for _, r := range regressed {
		isRegressed[r] = true
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Test", "Type", "Runs", "Pass Rate", "Last", "Last Run", ""})
	for _, s := range sums {
		flag := ""
		if isRegressed[s.Test] {
			flag = "REGRESSED"
		}
		t.AppendRow(table.Row{s.Test, s.Type, s.Runs, fmt.Sprintf("%.0f%%", s.PassRate()*100), s.LastStatus, s.LastRun.Local().Format("2006-01-02 15:04"), flag})
	}
	switch format {
	case "markdown":
		_, err := io.WriteString(w, t.RenderMarkdown()+"\n")
		return err
	case "html":
		return writeHTML("# Test history\n\n"+t.RenderMarkdown()+"\n", w)
	}
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Render()
	return nil
}
