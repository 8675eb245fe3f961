package result

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/signalnine/credo/internal/filelock"
)

// CreateRunDir makes a timestamped directory under baseDir/runs and points
// baseDir/latest at it.
func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir := filepath.Join(runsDir, stamp)
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// TestDir is where a system test's runs and records live inside a run dir.
func TestDir(runDir, testName string) string {
	return filepath.Join(runDir, "tests", testName)
}

// RecordFilename is the name of a ModelResult record inside its output
// directory.
const RecordFilename = "modelResult.xml"

type resultXML struct {
	XMLName    xml.Name    `xml:"modelResult"`
	Name       string      `xml:"name,attr"`
	OutputPath string      `xml:"outputPath"`
	JobMeta    *jobMetaXML `xml:"jobMetaInfo,omitempty"`
	Fields     []fieldXML  `xml:"fieldResults>field,omitempty"`
}

type jobMetaXML struct {
	ID         string  `xml:"id,omitempty"`
	Backend    string  `xml:"backend,omitempty"`
	SubmitTime string  `xml:"submitTime"`
	EndTime    string  `xml:"endTime,omitempty"`
	SimTime    float64 `xml:"simTime"`
	StdoutPath string  `xml:"stdout,omitempty"`
	StderrPath string  `xml:"stderr,omitempty"`
	Platform   []kvXML `xml:"platform>item,omitempty"`
	PerfData   []kvXML `xml:"performance>item,omitempty"`
}

type kvXML struct {
	Key   string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type fieldXML struct {
	Name      string    `xml:"name,attr"`
	Tolerance float64   `xml:"tol,attr"`
	Passed    bool      `xml:"pass,attr"`
	DofErrors []float64 `xml:"dofError"`
}

func toKV(m map[string]string) []kvXML {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kvXML, len(keys))
	for i, k := range keys {
		out[i] = kvXML{Key: k, Value: m[k]}
	}
	return out
}

func fromKV(items []kvXML) map[string]string {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]string, len(items))
	for _, it := range items {
		m[it.Key] = it.Value
	}
	return m
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// MarshalRecord renders mr as a record document.
func MarshalRecord(mr *ModelResult) ([]byte, error) {
	doc := resultXML{Name: mr.ModelName, OutputPath: mr.OutputPath}
	if m := mr.JobMeta; m != nil {
		doc.JobMeta = &jobMetaXML{
			ID:         m.ID,
			Backend:    m.Backend,
			SubmitTime: formatTime(m.SubmitTime),
			EndTime:    formatTime(m.EndTime),
			SimTime:    m.SimTime,
			StdoutPath: m.StdoutPath,
			StderrPath: m.StderrPath,
			Platform:   toKV(m.Platform),
			PerfData:   toKV(m.PerfData),
		}
	}
	for _, f := range mr.FieldResults {
		doc.Fields = append(doc.Fields, fieldXML{Name: f.Field, Tolerance: f.Tolerance, Passed: f.Passed, DofErrors: f.DofErrors})
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling model result: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// WriteRecord writes mr's record into its output directory and returns the
// record path.
func WriteRecord(mr *ModelResult) (string, error) {
	data, err := MarshalRecord(mr)
	if err != nil {
		return "", err
	}
	path := filepath.Join(mr.OutputPath, RecordFilename)
	if err := filelock.LockAndWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadRecord loads a ModelResult record.
func ReadRecord(path string) (*ModelResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model result: %w", err)
	}
	var doc resultXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing model result %s: %w", path, err)
	}
	mr := NewModelResult(doc.Name, doc.OutputPath, nil)
	if m := doc.JobMeta; m != nil {
		submit, err := parseTime(m.SubmitTime)
		if err != nil {
			return nil, fmt.Errorf("parsing submit time: %w", err)
		}
		end, err := parseTime(m.EndTime)
		if err != nil {
			return nil, fmt.Errorf("parsing end time: %w", err)
		}
		mr.JobMeta = &JobMeta{
			ID:         m.ID,
			Backend:    m.Backend,
			SubmitTime: submit,
			EndTime:    end,
			SimTime:    m.SimTime,
			StdoutPath: m.StdoutPath,
			StderrPath: m.StderrPath,
			Platform:   fromKV(m.Platform),
			PerfData:   fromKV(m.PerfData),
		}
	}
	for _, f := range doc.Fields {
		mr.FieldResults = append(mr.FieldResults, FieldRecord{Field: f.Name, Tolerance: f.Tolerance, Passed: f.Passed, DofErrors: f.DofErrors})
	}
	return mr, nil
}
