package model

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"

	"github.com/signalnine/credo/internal/filelock"
)

// RunRecord is the XML snapshot of a Run.
type RunRecord struct {
	XMLName        xml.Name      `xml:"modelRun"`
	Name           string        `xml:"name,attr"`
	InputFiles     []string      `xml:"inputFiles>file"`
	BasePath       string        `xml:"basePath"`
	OutputPath     string        `xml:"outputPath"`
	CPReadPath     string        `xml:"cpReadPath,omitempty"`
	LogPath        string        `xml:"logPath,omitempty"`
	NProc          int           `xml:"nproc"`
	SimParams      SimParamsXML  `xml:"simParams"`
	Params         []ParamRecord `xml:"paramOverrides>param"`
	CPFields       []string      `xml:"cpFields>field,omitempty"`
	SolverOptsFile string        `xml:"solverOpts,omitempty"`
	ExtraArgs      []string      `xml:"extraArgs>arg,omitempty"`
}

type SimParamsXML struct {
	NSteps      int     `xml:"nsteps,attr,omitempty"`
	StopTime    float64 `xml:"stopTime,attr,omitempty"`
	CPEvery     int     `xml:"cpEvery,attr,omitempty"`
	DumpEvery   int     `xml:"dumpEvery,attr,omitempty"`
	RestartStep int     `xml:"restartStep,attr"`
}

// ParamRecord carries the kind alongside the value so reading a record back
// never coerces a type.
type ParamRecord struct {
	Name  string    `xml:"name,attr"`
	Kind  ParamKind `xml:"type,attr"`
	Value string    `xml:",chardata"`
}

// Record snapshots r.
func (r *Run) Record() *RunRecord {
	rec := &RunRecord{
		Name:           r.Name,
		InputFiles:     r.InputFiles,
		BasePath:       r.BasePath,
		OutputPath:     r.OutputPath,
		CPReadPath:     r.CPReadPath,
		LogPath:        r.LogPath,
		NProc:          r.NProc,
		SimParams:      SimParamsXML(r.SimParams),
		CPFields:       r.CPFields,
		SolverOptsFile: r.SolverOptsFile,
		ExtraArgs:      r.ExtraArgs,
	}
	rec.Params = ParamRecords(r.ParamOverrides)
	return rec
}

// ParamRecords converts overrides into name-sorted records.
func ParamRecords(params map[string]ParamValue) []ParamRecord {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]ParamRecord, len(names))
	for i, k := range names {
		out[i] = ParamRecord{Name: k, Kind: params[k].Kind(), Value: params[k].String()}
	}
	return out
}

// ParamsFromRecords is the inverse of ParamRecords.
func ParamsFromRecords(recs []ParamRecord) (map[string]ParamValue, error) {
	out := make(map[string]ParamValue, len(recs))
	for _, p := range recs {
		v, err := ParseParam(p.Kind, p.Value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		out[p.Name] = v
	}
	return out, nil
}

// ToRun rebuilds a Run from its record.
func (rec *RunRecord) ToRun() (*Run, error) {
	params, err := ParamsFromRecords(rec.Params)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", rec.Name, err)
	}
	r, err := NewRun(rec.Name, rec.InputFiles, rec.OutputPath, SimParams(rec.SimParams), params)
	if err != nil {
		return nil, err
	}
	r.BasePath = rec.BasePath
	r.CPReadPath = rec.CPReadPath
	r.LogPath = rec.LogPath
	r.NProc = rec.NProc
	r.CPFields = rec.CPFields
	r.SolverOptsFile = rec.SolverOptsFile
	r.ExtraArgs = rec.ExtraArgs
	return r, nil
}

// WriteRecord writes r's record to path.
func (r *Run) WriteRecord(path string) error {
	data, err := xml.MarshalIndent(r.Record(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}
	return filelock.LockAndWrite(path, append([]byte(xml.Header), data...))
}

// ReadRunRecord loads a Run from a record written by WriteRecord.
func ReadRunRecord(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run record: %w", err)
	}
	var rec RunRecord
	if err := xml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing run record %s: %w", path, err)
	}
	return rec.ToRun()
}
