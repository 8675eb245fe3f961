package systest

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/credo/internal/filelock"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
)

// RecordPrefix starts the file name of every test record.
const RecordPrefix = "SysTest-"

// Record is the XML document written once per test execution.
type Record struct {
	XMLName     xml.Name            `xml:"SysTest"`
	Name        string              `xml:"name,attr"`
	Type        string              `xml:"type,attr"`
	ID          string              `xml:"id,attr"`
	Description string              `xml:"description,omitempty"`
	InputFiles  []string            `xml:"inputFiles>file"`
	NProc       int                 `xml:"nproc"`
	Timeout     float64             `xml:"timeout"`
	Params      []model.ParamRecord `xml:"paramOverrides>param"`
	SolverOpts  string              `xml:"solverOpts,omitempty"`
	Components  []ComponentRecord   `xml:"testComponents>testComponent"`
	Runs        []RunRef            `xml:"runs>run"`
	Status      string              `xml:"status"`
	Detail      string              `xml:"statusDetail"`
	Started     string              `xml:"started"`
	Finished    string              `xml:"finished"`
}

// ComponentRecord is a component's specification and last outcome.
type ComponentRecord struct {
	Name   string        `xml:"name,attr"`
	Spec   []SpecParam   `xml:"specification>param"`
	Status string        `xml:"result>status"`
	Detail string        `xml:"result>detail"`
	Values []ValueRecord `xml:"result>value"`
}

type SpecParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ValueRecord is one numeric measurement behind a component outcome.
type ValueRecord struct {
	Run    string  `xml:"run,attr,omitempty"`
	Name   string  `xml:"name,attr"`
	Passed bool    `xml:"passed,attr"`
	Value  float64 `xml:",chardata"`
}

// RunRef points at a run of the suite and its result record, if any.
type RunRef struct {
	Name       string  `xml:"name,attr"`
	OutputPath string  `xml:"outputPath,attr"`
	Result     string  `xml:"resultRecord,attr,omitempty"`
	WallTime   float64 `xml:"wallTime,attr,omitempty"`
}

// Duration is the wall time of the whole execution.
func (r *Record) Duration() time.Duration {
	s, err1 := time.Parse(time.RFC3339Nano, r.Started)
	f, err2 := time.Parse(time.RFC3339Nano, r.Finished)
	if err1 != nil || err2 != nil {
		return 0
	}
	return f.Sub(s)
}

// StartTime parses Started, returning the zero time when unset.
func (r *Record) StartTime() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r.Started)
	return t
}

// BuildRecord snapshots the test with whatever results are available.
func (b *Base) BuildRecord(results []*result.ModelResult) *Record {
	rec := &Record{
		Name:        b.Name,
		Type:        b.Type,
		ID:          b.ID,
		Description: b.Description,
		InputFiles:  b.InputFiles,
		NProc:       b.NProc,
		Timeout:     b.Timeout.Seconds(),
		Params:      model.ParamRecords(b.Params),
		SolverOpts:  b.SolverOpts,
		Status:      b.result.Status.String(),
		Detail:      b.result.Detail,
		Started:     b.started.UTC().Format(time.RFC3339Nano),
		Finished:    b.finished.UTC().Format(time.RFC3339Nano),
	}
	for _, c := range b.components {
		rec.Components = append(rec.Components, c.Record())
	}
	if b.suite != nil {
		for i, run := range b.suite.Runs() {
			ref := RunRef{Name: run.Name, OutputPath: run.OutputDir()}
			if i < len(results) && results[i] != nil {
				ref.Result = filepath.Join(results[i].OutputPath, result.RecordFilename)
				if results[i].JobMeta != nil {
					ref.WallTime = results[i].JobMeta.WallTime().Seconds()
				}
			}
			rec.Runs = append(rec.Runs, ref)
		}
	}
	return rec
}

// WriteRecord writes the execution record into dir.
func (b *Base) WriteRecord(dir string, results []*result.ModelResult) (string, error) {
	data, err := xml.MarshalIndent(b.BuildRecord(results), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling record for %s: %w", b.Name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, RecordPrefix+b.Name+".xml")
	if err := filelock.LockAndWrite(path, append([]byte(xml.Header), data...)); err != nil {
		return "", err
	}
	return path, nil
}

// ReadRecord loads a record written by WriteRecord.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test record: %w", err)
	}
	var rec Record
	if err := xml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing test record %s: %w", path, err)
	}
	return &rec, nil
}
