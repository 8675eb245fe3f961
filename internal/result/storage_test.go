package result_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/credo/internal/freqout"
	"github.com/signalnine/credo/internal/result"
)

func TestWriteAndReadRecord(t *testing.T) {
	dir := t.TempDir()
	submit := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mr := result.NewModelResult("solcx", dir, &result.JobMeta{
		ID:         "4242",
		Backend:    "mpi",
		SubmitTime: submit,
		EndTime:    submit.Add(90 * time.Second),
		SimTime:    0.1125,
		Platform:   map[string]string{"hostname": "node1", "revision": "abc123"},
		PerfData:   map[string]string{"wallTime": "90s"},
	})
	mr.RecordField(result.FieldRecord{Field: "VelocityField", DofErrors: []float64{0.01, 0.02}, Tolerance: 0.03, Passed: true})
	mr.RecordField(result.FieldRecord{Field: "VelocityField", DofErrors: []float64{0.05, 0.02}, Tolerance: 0.03})

	path, err := result.WriteRecord(mr)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, result.RecordFilename), path)

	got, err := result.ReadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, "solcx", got.ModelName)
	require.NotNil(t, got.JobMeta)
	assert.Equal(t, 90*time.Second, got.JobMeta.WallTime())
	assert.Equal(t, "abc123", got.JobMeta.Platform["revision"])
	assert.Equal(t, 0.1125, got.JobMeta.SimTime)
	require.Len(t, got.FieldResults, 1, "RecordField must replace an existing entry")
	assert.Equal(t, []float64{0.05, 0.02}, got.FieldResults[0].DofErrors)
	assert.False(t, got.FieldResults[0].Passed)
}

func TestFreqOutputLazy(t *testing.T) {
	dir := t.TempDir()
	mr := result.NewModelResult("m", dir, nil)
	_, err := mr.FreqOutput()
	assert.ErrorIs(t, err, freqout.ErrNotFound)

	dir2 := t.TempDir()
	content := "# Timestep Time VRMS\n1 0.1 2.0\n2 0.2 2.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir2, freqout.DefaultFilename), []byte(content), 0o644))
	mr2 := result.NewModelResult("m2", dir2, nil)
	r, err := mr2.FreqOutput()
	require.NoError(t, err)
	again, _ := mr2.FreqOutput()
	assert.Same(t, r, again)
	step, err := r.FinalStep()
	require.NoError(t, err)
	assert.Equal(t, 2, step)
}

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	runDir, err := result.CreateRunDir(base)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		t.Errorf("run directory not created: %s", runDir)
	}
	latest := filepath.Join(base, "latest")
	target, err := os.Readlink(latest)
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != runDir {
		t.Errorf("latest symlink: got %q, want %q", target, runDir)
	}
}

func TestTestDir(t *testing.T) {
	base := t.TempDir()
	dir := result.TestDir(base, "solcx")
	expected := filepath.Join(base, "tests", "solcx")
	if dir != expected {
		t.Errorf("got %q, want %q", dir, expected)
	}
}
