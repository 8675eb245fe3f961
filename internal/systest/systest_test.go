package systest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	fcolor "github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/freqout"
	"github.com/signalnine/credo/internal/imagecmp"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
	"github.com/signalnine/credo/internal/runner"
)

// fakeRunner stands in for the simulation: Submit writes whatever output
// the test wants into the run's output directory.
type fakeRunner struct {
	write     func(run *model.Run) error
	fail      map[string]error
	submitted []*model.Run
}

func (f *fakeRunner) Submit(_ context.Context, run *model.Run, _ []string, _ time.Duration) (*runner.Submission, error) {
	f.submitted = append(f.submitted, run)
	if err := os.MkdirAll(run.OutputDir(), 0o755); err != nil {
		return nil, err
	}
	if f.write != nil {
		if err := f.write(run); err != nil {
			return nil, err
		}
	}
	return &runner.Submission{Run: run}, nil
}

func (f *fakeRunner) BlockResult(_ context.Context, sub *runner.Submission) (*result.ModelResult, error) {
	if err := f.fail[sub.Run.Name]; err != nil {
		return nil, err
	}
	return result.NewModelResult(sub.Run.Name, sub.Run.OutputDir(), &result.JobMeta{Backend: "fake"}), nil
}

func (f *fakeRunner) Terminate(context.Context, *runner.Submission) error { return nil }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func cvgWriter(errs ...float64) func(*model.Run) error {
	return func(run *model.Run) error {
		var hdr, row []string
		hdr = append(hdr, "#Timestep")
		row = append(row, "1")
		for i, e := range errs {
			hdr = append(hdr, fmt.Sprintf("VelocityField%d", i+1))
			row = append(row, fmt.Sprint(e))
		}
		content := strings.Join(hdr, " ") + "\n" + strings.Join(row, " ") + "\n"
		return os.WriteFile(filepath.Join(run.OutputDir(), "analytic.cvg"), []byte(content), 0o644)
	}
}

func execute(t *testing.T, st SysTest, jr runner.JobRunner) (Result, string) {
	t.Helper()
	dir := t.TempDir()
	return Execute(context.Background(), st, jr, ExecOpts{Dir: dir}), dir
}

func TestAnalyticPasses(t *testing.T) {
	st := NewAnalytic("solcx", []string{"SolCx.xml"}, 0.01, nil, "VelocityField")
	st.SimParams.NSteps = 1
	jr := &fakeRunner{write: cvgWriter(0.001, 0.002)}

	res, dir := execute(t, st, jr)
	require.Equal(t, Pass, res.Status, res.Detail)
	assert.Equal(t, Passed, st.State())
	require.Len(t, jr.submitted, 1)
	assert.FileExists(t, filepath.Join(dir, "solcx-fieldTest.xml"))
	assert.Contains(t, jr.submitted[0].InputFiles, filepath.Join(dir, "solcx-fieldTest.xml"))

	rec, err := ReadRecord(res.RecordPath)
	require.NoError(t, err)
	assert.Equal(t, "Pass", rec.Status)
	assert.Equal(t, config.TypeAnalytic, rec.Type)
	assert.NotEmpty(t, rec.ID)
	require.Len(t, rec.Components, 1)
	assert.Equal(t, "Pass", rec.Components[0].Status)
	assert.Len(t, rec.Components[0].Values, 2)
	require.Len(t, rec.Runs, 1)
	assert.Equal(t, filepath.Join(dir, "solcx"), rec.Runs[0].OutputPath)
}

func TestFieldResultsReachRunRecord(t *testing.T) {
	st := NewAnalytic("solcx", []string{"SolCx.xml"}, 0.01, nil, "VelocityField")
	st.SimParams.NSteps = 1
	res, _ := execute(t, st, &fakeRunner{write: cvgWriter(0.001, 0.002)})
	require.Equal(t, Pass, res.Status, res.Detail)

	rec, err := ReadRecord(res.RecordPath)
	require.NoError(t, err)
	require.Len(t, rec.Runs, 1)
	require.NotEmpty(t, rec.Runs[0].Result)

	mr, err := result.ReadRecord(rec.Runs[0].Result)
	require.NoError(t, err)
	require.NotEmpty(t, mr.FieldResults)
	assert.Equal(t, "VelocityField", mr.FieldResults[0].Field)
	assert.True(t, mr.FieldResults[0].Passed)
	assert.Equal(t, []float64{0.001, 0.002}, mr.FieldResults[0].DofErrors)
}

func TestAnalyticFailureNamesDofs(t *testing.T) {
	st := NewAnalytic("solcx", []string{"SolCx.xml"}, 0.01, map[string]float64{"VelocityField": 0.1}, "VelocityField")
	jr := &fakeRunner{write: cvgWriter(0.05, 0.5)}

	res, _ := execute(t, st, jr)
	assert.Equal(t, Fail, res.Status)
	assert.Equal(t, Failed, st.State())
	assert.Contains(t, res.Detail, "tolerance 0.1")
	assert.Contains(t, res.Detail, "[2]")
	assert.FileExists(t, res.RecordPath, "failures still write a record")
}

func TestMissingFieldIsError(t *testing.T) {
	st := NewAnalytic("solcx", []string{"SolCx.xml"}, 0.01, nil, "PressureField")
	res, _ := execute(t, st, &fakeRunner{write: cvgWriter(0.001)})
	assert.Equal(t, Error, res.Status)
	assert.Contains(t, res.Detail, "indexed fields: VelocityField")
}

func TestRunErrorIsErrorNotFail(t *testing.T) {
	st := NewAnalytic("solcx", []string{"SolCx.xml"}, 0.01, nil, "VelocityField")
	jr := &fakeRunner{fail: map[string]error{
		"solcx": &runner.RunError{RunName: "solcx", ExitCode: 3, Tail: []string{"KSP diverged"}},
	}}
	res, _ := execute(t, st, jr)
	assert.Equal(t, Error, res.Status)
	assert.Equal(t, Errored, st.State())
	assert.Contains(t, res.Detail, "KSP diverged")

	st2 := NewAnalytic("slow", []string{"SolCx.xml"}, 0.01, nil, "VelocityField")
	jr2 := &fakeRunner{fail: map[string]error{"slow": &runner.TimeoutError{RunName: "slow"}}}
	res2, _ := execute(t, st2, jr2)
	assert.Equal(t, Error, res2.Status)
}

func TestExecuteRunsOnce(t *testing.T) {
	st := NewAnalytic("solcx", []string{"SolCx.xml"}, 0.01, nil, "VelocityField")
	jr := &fakeRunner{write: cvgWriter(0.001)}
	first, _ := execute(t, st, jr)
	require.Equal(t, Pass, first.Status)
	second, _ := execute(t, st, jr)
	assert.Equal(t, Error, second.Status)
	assert.Equal(t, Passed, st.State(), "terminal state must not change")
	assert.Len(t, jr.submitted, 1)
}

func TestReferenceMissingFixture(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "expected", "rt")
	st := NewReference("rt", []string{"RT.xml"}, fixture, 0.01, nil, "VelocityField")
	jr := &fakeRunner{}

	res, _ := execute(t, st, jr)
	assert.Equal(t, Error, res.Status)
	assert.Contains(t, res.Detail, "fixture not found")
	assert.Empty(t, jr.submitted, "no run may start without a fixture")

	var fnf *FixtureNotFoundError
	assert.True(t, errors.As(st.CheckFixture(), &fnf))
	assert.Equal(t, fixture, fnf.Path)
}

func TestReferenceComparesAgainstFixture(t *testing.T) {
	fixture := t.TempDir()
	st := NewReference("rt", []string{"RT.xml"}, fixture, 0.01, nil, "VelocityField")
	st.TestTimestep = 5
	res, dir := execute(t, st, &fakeRunner{write: cvgWriter(0.001)})
	require.Equal(t, Pass, res.Status, res.Detail)

	xml, err := os.ReadFile(filepath.Join(dir, "rt-fieldTest.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(xml), fixture)
}

func TestRegenerateFixture(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "expected", "rt")
	st := NewReference("rt", []string{"RT.xml"}, fixture, 0.01, nil, "VelocityField")
	st.SimParams.NSteps = 8
	jr := &fakeRunner{write: func(run *model.Run) error {
		return os.WriteFile(filepath.Join(run.OutputDir(), "checkpoint.00008.h5"), []byte("x"), 0o644)
	}}

	require.NoError(t, st.RegenerateFixture(context.Background(), jr, nil))
	assert.FileExists(t, filepath.Join(fixture, "checkpoint.00008.h5"))
	assert.NoDirExists(t, fixture+".new")
	require.Len(t, jr.submitted, 1)
	assert.Equal(t, 8, jr.submitted[0].SimParams.CPEvery)
	assert.NoError(t, st.CheckFixture())
}

func TestRestartRejectsOddSteps(t *testing.T) {
	for _, steps := range []int{21, 0, -4} {
		_, err := NewRestart("rt", []string{"RT.xml"}, steps, 0.01, nil)
		var cerr *model.ConfigError
		assert.True(t, errors.As(err, &cerr), "steps %d: got %v", steps, err)
	}
}

func TestRestartSuite(t *testing.T) {
	st, err := NewRestart("rt", []string{"RT.xml"}, 20, 0.01, nil, "VelocityField")
	require.NoError(t, err)
	dir := t.TempDir()
	suite, err := st.GenSuite(Workspace{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 2, suite.Len())

	initial, restart := suite.Run(0), suite.Run(1)
	assert.Equal(t, 10, initial.SimParams.CPEvery)
	assert.Equal(t, 20, initial.SimParams.NSteps)
	assert.Equal(t, 10, restart.SimParams.RestartStep)
	assert.Equal(t, initial.OutputDir(), restart.CheckpointReadDir())
	assert.Equal(t, []int{0}, suite.Deps(1))
	assert.Equal(t, initial.OutputDir(), st.Fields.Fields.ReferencePath)
}

func TestRestartJudgesOnlyRestartRun(t *testing.T) {
	st, err := NewRestart("rt", []string{"RT.xml"}, 20, 0.01, nil, "VelocityField")
	require.NoError(t, err)
	jr := &fakeRunner{write: func(run *model.Run) error {
		if strings.HasSuffix(run.Name, "-initial") {
			// The initial run has nothing to compare against.
			return nil
		}
		return cvgWriter(0.0001)(run)
	}}
	res, dir := execute(t, st, jr)
	require.Equal(t, Pass, res.Status, res.Detail)
	assert.NoFileExists(t, filepath.Join(dir, "rt-initial-fieldTest.xml"))
	assert.FileExists(t, filepath.Join(dir, "rt-restart-fieldTest.xml"))
}

func resolutionWriter(errAt func(n int) float64) func(*model.Run) error {
	return func(run *model.Run) error {
		n := int(run.ParamOverrides["elementResI"].(model.IntParam))
		return cvgWriter(errAt(n), errAt(n))(run)
	}
}

func TestMultiResIdenticalErrorsFails(t *testing.T) {
	crit := convergence.Criteria{"VelocityField": {Rate: 1.6, Correlation: 0.99}}
	st, err := NewAnalyticMultiRes("solkz", []string{"SolKz.xml"}, [][]int{{16, 16}, {32, 32}}, crit, "VelocityField")
	require.NoError(t, err)
	res, _ := execute(t, st, &fakeRunner{write: resolutionWriter(func(int) float64 { return 0.01 })})
	assert.Equal(t, Fail, res.Status, res.Detail)
	require.Len(t, st.Convergence.Verdicts(), 1)
	assert.InDelta(t, 0, st.Convergence.Verdicts()[0].Rates[0].Slope, 1e-12)
}

func TestMultiResConverging(t *testing.T) {
	crit := convergence.Criteria{"VelocityField": {Rate: 1.6, Correlation: 0.99}}
	st, err := NewAnalyticMultiRes("solkz", []string{"SolKz.xml"}, [][]int{{16, 16}, {32, 32}, {64, 64}}, crit, "VelocityField")
	require.NoError(t, err)
	jr := &fakeRunner{write: resolutionWriter(func(n int) float64 { return 3 / float64(n*n) })}
	res, _ := execute(t, st, jr)
	require.Equal(t, Pass, res.Status, res.Detail)
	assert.InDelta(t, 2, st.Convergence.Verdicts()[0].Rates[0].Slope, 1e-9)
	assert.Len(t, jr.submitted, 3)
	assert.Equal(t, "solkz-res-16x16", jr.submitted[0].Name)
}

func TestMultiResValidation(t *testing.T) {
	cases := map[string][][]int{
		"single":     {{16, 16}},
		"dims":       {{16, 16}, {32, 32, 32}},
		"decreasing": {{32, 32}, {16, 16}},
		"zero":       {{0, 16}, {32, 32}},
	}
	for name, res := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewAnalyticMultiRes("x", []string{"a.xml"}, res, nil)
			assert.Error(t, err)
		})
	}
}

func TestHighResReference(t *testing.T) {
	_, err := NewHighResReference("hr", []string{"a.xml"}, []int{16, 16}, 1, "fx", 0.01, nil)
	assert.Error(t, err)

	st, err := NewHighResReference("hr", []string{"a.xml"}, []int{16, 8}, 4, "fx", 0.01, nil, "VelocityField")
	require.NoError(t, err)
	assert.Equal(t, []int{64, 32}, st.HighResolution())

	suite, err := st.GenSuite(Workspace{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, model.IntParam(16), suite.Run(0).ParamOverrides["elementResI"])
	assert.Equal(t, model.IntParam(8), suite.Run(0).ParamOverrides["elementResJ"])
}

const freqOutput = `#Timestep Time VRMS
3 0.0125 3.0
6 0.0375 3.2
9 0.0625 3.8
12 0.0875 3.4
15 0.1125 2.6
`

func ptr[T any](v T) *T { return &v }

func TestOutputWithinRange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "FrequentOutput.dat"), freqOutput)
	mr := result.NewModelResult("rt", dir, nil)

	peak, err := freqout.ParseReduceOp("max", 0)
	require.NoError(t, err)
	c := &OutputWithinRange{Label: "peak", Column: "VRMS", Op: peak, Min: ptr(3.0), Max: ptr(4.0)}
	ok, detail, err := c.Check([]*result.ModelResult{mr})
	require.NoError(t, err)
	assert.True(t, ok, detail)
	assert.Contains(t, detail, "3.8 at step 9")

	c.StepMax = ptr(6)
	ok, _, err = c.Check([]*result.ModelResult{mr})
	require.NoError(t, err)
	assert.False(t, ok)

	c = &OutputWithinRange{Label: "missing", Column: "Nusselt", Op: peak}
	_, _, err = c.Check([]*result.ModelResult{mr})
	assert.Error(t, err)
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	writeFile(t, path, buf.String())
}

func TestImageReference(t *testing.T) {
	fixture := t.TempDir()
	writePNG(t, filepath.Join(fixture, "window.png"), color.White)
	st, err := NewImageReference("viz", []string{"a.xml"}, []string{"window.png"}, fixture, imagecmp.DefaultTolerance)
	require.NoError(t, err)
	jr := &fakeRunner{write: func(run *model.Run) error {
		writePNG(t, filepath.Join(run.OutputDir(), "window.png"), color.White)
		return nil
	}}
	res, _ := execute(t, st, jr)
	assert.Equal(t, Pass, res.Status, res.Detail)

	st2, err := NewImageReference("viz", []string{"a.xml"}, []string{"window.png"}, fixture, imagecmp.DefaultTolerance)
	require.NoError(t, err)
	jr2 := &fakeRunner{write: func(run *model.Run) error {
		writePNG(t, filepath.Join(run.OutputDir(), "window.png"), color.Black)
		return nil
	}}
	res2, _ := execute(t, st2, jr2)
	assert.Equal(t, Fail, res2.Status)

	_, err = NewImageReference("viz", []string{"a.xml"}, nil, fixture, imagecmp.DefaultTolerance)
	assert.Error(t, err)
}

func TestAllComponentsEvaluated(t *testing.T) {
	st := NewSciBenchmark("bench", []string{"a.xml"})
	st.Runs = []RunSpec{{Name: "base", NSteps: 15}}
	peak, _ := freqout.ParseReduceOp("max", 0)
	require.NoError(t, st.AddComponent(&OutputWithinRange{Label: "low", Column: "VRMS", Op: peak, Max: ptr(1.0)}))
	require.NoError(t, st.AddComponent(&OutputWithinRange{Label: "high", Column: "VRMS", Op: peak, Min: ptr(10.0)}))
	assert.Error(t, st.AddComponent(&OutputWithinRange{Label: "low", Column: "VRMS", Op: peak}))

	jr := &fakeRunner{write: func(run *model.Run) error {
		return os.WriteFile(filepath.Join(run.OutputDir(), "FrequentOutput.dat"), []byte(freqOutput), 0o644)
	}}
	res, _ := execute(t, st, jr)
	assert.Equal(t, Fail, res.Status)
	assert.Contains(t, res.Detail, "outputWithinRange:low")
	assert.Contains(t, res.Detail, "outputWithinRange:high")
}

func TestResultShapeErrors(t *testing.T) {
	b := NewBase("x", "analytic", nil)
	b.components = []Component{&OutputWithinRange{Label: "v", Column: "VRMS"}}
	b.ResIndicesToTest = []int{2}
	res := b.GetStatus([]*result.ModelResult{result.NewModelResult("a", "/a", nil)})
	assert.Equal(t, Error, res.Status)
	assert.Contains(t, res.Detail, "out of range")

	b.ResIndicesToTest = nil
	res = b.GetStatus([]*result.ModelResult{nil})
	assert.Equal(t, Error, res.Status)
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.Load("../../testdata/full.yaml")
	require.NoError(t, err)
	crit := convergence.DefaultCriteria()

	built := map[string]SysTest{}
	for i := range cfg.Tests {
		st, err := FromConfig(&cfg.Tests[i], crit)
		require.NoError(t, err, cfg.Tests[i].Name)
		built[cfg.Tests[i].Name] = st
	}

	solcx := built["solcx"].(*Analytic)
	assert.Equal(t, 2, solcx.NProc)
	assert.Equal(t, 0.05, solcx.Fields.Tolerance("PressureField"))
	assert.Equal(t, 0.03, solcx.Fields.Tolerance("VelocityField"))

	restart := built["rayleigh-taylor-restart"].(*Restart)
	assert.Equal(t, model.BoolParam(true), restart.Params["useSUPG"])
	assert.Equal(t, model.IntParam(20), restart.Params["particlesPerCell"])

	cvg := built["solkz-cvg"].(*AnalyticMultiRes)
	assert.Equal(t, 1.8, cvg.Convergence.Criteria["VelocityField"].Rate)
	assert.Equal(t, 0.9, cvg.Convergence.Criteria["PressureField"].Rate)

	sweep := built["rt-sweep"].(*SciBenchmark)
	suite, err := sweep.GenSuite(Workspace{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 2, suite.Len())
	assert.Equal(t, model.FloatParam(10), suite.Run(1).ParamOverrides["components.viscosity.eta0"])
}

func TestFromConfigRestartOdd(t *testing.T) {
	tc := &config.TestConfig{Name: "r", Type: config.TypeRestart, InputFiles: []string{"a.xml"}, FullRunSteps: 21}
	_, err := FromConfig(tc, nil)
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	fcolor.NoColor = true
	var buf bytes.Buffer
	PrintResult(&buf, "solcx", Result{Status: Fail, Detail: "a\nb", RecordPath: "/r.xml"})
	assert.Equal(t, "FAIL   solcx\n       a\n       b\n       record: /r.xml\n", buf.String())

	buf.Reset()
	PrintResult(&buf, "solcx", Result{Status: Pass, Detail: "fine"})
	assert.Equal(t, "PASS   solcx\n", buf.String())
}
