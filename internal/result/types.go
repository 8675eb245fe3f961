package result

import (
	"sync"
	"time"

	"github.com/signalnine/credo/internal/freqout"
)

// JobMeta is per-run execution metadata. The runner owns it while the job is
// live and attaches it to the ModelResult afterwards.
type JobMeta struct {
	// ID is the backend handle: a pid, batch job id or container id.
	ID         string
	Backend    string
	SubmitTime time.Time
	EndTime    time.Time
	// SimTime is the simulated time reached, when known.
	SimTime  float64
	Platform map[string]string
	PerfData map[string]string
	// StdoutPath and StderrPath locate the captured output streams.
	StdoutPath string
	StderrPath string
}

// WallTime is the elapsed time between submission and completion.
func (m *JobMeta) WallTime() time.Duration {
	if m.EndTime.IsZero() {
		return 0
	}
	return m.EndTime.Sub(m.SubmitTime)
}

// FieldRecord is a field comparison outcome stored on a result.
type FieldRecord struct {
	Field     string
	DofErrors []float64
	Tolerance float64
	Passed    bool
}

// ModelResult is the output of one completed run.
type ModelResult struct {
	ModelName    string
	OutputPath   string
	JobMeta      *JobMeta
	FieldResults []FieldRecord

	freqOnce sync.Once
	freq     *freqout.Reader
	freqErr  error
}

func NewModelResult(name, outputPath string, meta *JobMeta) *ModelResult {
	return &ModelResult{ModelName: name, OutputPath: outputPath, JobMeta: meta}
}

// FreqOutput returns the run's frequent output reader, populated on first
// use.
func (mr *ModelResult) FreqOutput() (*freqout.Reader, error) {
	mr.freqOnce.Do(func() {
		r, err := freqout.OpenDir(mr.OutputPath)
		if err != nil {
			mr.freqErr = err
			return
		}
		if err := r.Populate(); err != nil {
			mr.freqErr = err
			return
		}
		mr.freq = r
	})
	return mr.freq, mr.freqErr
}

// RecordField appends or replaces the stored outcome for rec.Field.
func (mr *ModelResult) RecordField(rec FieldRecord) {
	for i := range mr.FieldResults {
		if mr.FieldResults[i].Field == rec.Field {
			mr.FieldResults[i] = rec
			return
		}
	}
	mr.FieldResults = append(mr.FieldResults, rec)
}
