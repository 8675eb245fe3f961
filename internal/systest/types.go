package systest

import (
	"context"
	"fmt"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/fields"
	"github.com/signalnine/credo/internal/imagecmp"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/runner"
)

// DefaultFieldTolerance applies to fields without an explicit tolerance.
const DefaultFieldTolerance = 0.01

func singleRunSuite(b *Base, ws Workspace) (*model.Suite, *model.Run, error) {
	suite := model.NewSuite(b.Name, ws.Dir)
	run, err := b.NewRun(b.Name, outputDir(ws, b.Name))
	if err != nil {
		return nil, nil, err
	}
	if _, err := suite.AddRun(run, b.Description, nil); err != nil {
		return nil, nil, err
	}
	return suite, run, nil
}

// Analytic runs the model once and compares its fields with the analytic
// solution. With no field names the fields come from the model's own
// configuration.
type Analytic struct {
	*Base
	Fields *FieldWithinTolerance
}

func NewAnalytic(name string, inputFiles []string, tol float64, perField map[string]float64, fieldNames ...string) *Analytic {
	t := &Analytic{Base: NewBase(name, config.TypeAnalytic, inputFiles)}
	t.Fields = NewFieldWithinTolerance(fields.NewList(fields.Analytic, fieldNames...), tol, perField)
	t.components = append(t.components, t.Fields)
	return t
}

func (t *Analytic) GenSuite(ws Workspace) (*model.Suite, error) {
	suite, _, err := singleRunSuite(t.Base, ws)
	return suite, err
}

// Reference runs the model once and compares its fields at TestTimestep with
// a stored solution.
type Reference struct {
	*Base
	FixtureDir   string
	TestTimestep int
	Fields       *FieldWithinTolerance
}

func NewReference(name string, inputFiles []string, fixtureDir string, tol float64, perField map[string]float64, fieldNames ...string) *Reference {
	t := &Reference{Base: NewBase(name, config.TypeReference, inputFiles), FixtureDir: fixtureDir}
	t.Fields = NewFieldWithinTolerance(fields.NewList(fields.Reference, fieldNames...), tol, perField)
	t.components = append(t.components, t.Fields)
	return t
}

func (t *Reference) GenSuite(ws Workspace) (*model.Suite, error) {
	t.Fields.Fields.ReferencePath = absPath(t.FixtureDir)
	t.Fields.Fields.TestTimestep = t.TestTimestep
	suite, _, err := singleRunSuite(t.Base, ws)
	return suite, err
}

func (t *Reference) CheckFixture() error { return checkDir(t.Name, t.FixtureDir) }

func (t *Reference) RegenerateFixture(ctx context.Context, jr runner.JobRunner, env *config.Environment) error {
	run, err := t.fixtureRun(t.TestTimestep)
	if err != nil {
		return err
	}
	return regenerate(ctx, jr, env, run, t.FixtureDir, t.Timeout)
}

// HighResReference compares against a solution computed at Ratio times the
// test's own resolution.
type HighResReference struct {
	*Base
	Resolution   []int
	Ratio        int
	FixtureDir   string
	TestTimestep int
	Fields       *FieldWithinTolerance
}

func NewHighResReference(name string, inputFiles []string, resolution []int, ratio int, fixtureDir string, tol float64, perField map[string]float64, fieldNames ...string) (*HighResReference, error) {
	if ratio <= 1 {
		return nil, &model.ConfigError{Run: name, Reason: fmt.Sprintf("high resolution ratio %d must be greater than 1", ratio)}
	}
	if err := checkResolution(name, resolution); err != nil {
		return nil, err
	}
	t := &HighResReference{
		Base:       NewBase(name, config.TypeHighResReference, inputFiles),
		Resolution: append([]int(nil), resolution...),
		Ratio:      ratio,
		FixtureDir: fixtureDir,
	}
	t.Fields = NewFieldWithinTolerance(fields.NewList(fields.HighResReference, fieldNames...), tol, perField)
	t.components = append(t.components, t.Fields)
	return t, nil
}

// HighResolution is the resolution the fixture is computed at.
func (t *HighResReference) HighResolution() []int {
	out := make([]int, len(t.Resolution))
	for i, n := range t.Resolution {
		out[i] = n * t.Ratio
	}
	return out
}

func (t *HighResReference) GenSuite(ws Workspace) (*model.Suite, error) {
	t.Fields.Fields.ReferencePath = absPath(t.FixtureDir)
	t.Fields.Fields.TestTimestep = t.TestTimestep
	suite, run, err := singleRunSuite(t.Base, ws)
	if err != nil {
		return nil, err
	}
	if err := run.SetResolution(t.Resolution); err != nil {
		return nil, err
	}
	return suite, nil
}

func (t *HighResReference) CheckFixture() error { return checkDir(t.Name, t.FixtureDir) }

func (t *HighResReference) RegenerateFixture(ctx context.Context, jr runner.JobRunner, env *config.Environment) error {
	run, err := t.fixtureRun(t.TestTimestep)
	if err != nil {
		return err
	}
	if err := run.SetResolution(t.HighResolution()); err != nil {
		return err
	}
	return regenerate(ctx, jr, env, run, t.FixtureDir, t.Timeout)
}

// Restart checks that resuming from a midpoint checkpoint reproduces an
// uninterrupted run. Only the restart run's result is judged.
type Restart struct {
	*Base
	FullRunSteps int
	Fields       *FieldWithinTolerance
}

// NewRestart rejects a step count that cannot be split into two equal
// halves.
func NewRestart(name string, inputFiles []string, fullRunSteps int, tol float64, perField map[string]float64, fieldNames ...string) (*Restart, error) {
	if fullRunSteps <= 0 || fullRunSteps%2 != 0 {
		return nil, &model.ConfigError{Run: name, Reason: fmt.Sprintf("full run steps %d must be even and positive", fullRunSteps)}
	}
	t := &Restart{Base: NewBase(name, config.TypeRestart, inputFiles), FullRunSteps: fullRunSteps}
	list := fields.NewList(fields.Reference, fieldNames...)
	list.TestTimestep = fullRunSteps
	t.Fields = NewFieldWithinTolerance(list, tol, perField)
	t.Fields.RunIndices = []int{1}
	t.ResIndicesToTest = []int{1}
	t.components = append(t.components, t.Fields)
	return t, nil
}

func (t *Restart) GenSuite(ws Workspace) (*model.Suite, error) {
	half := t.FullRunSteps / 2
	suite := model.NewSuite(t.Name, ws.Dir)

	initial, err := t.NewRun(t.Name+"-initial", outputDir(ws, "initial"))
	if err != nil {
		return nil, err
	}
	initial.SimParams.NSteps = t.FullRunSteps
	initial.SimParams.StopTime = 0
	initial.SimParams.CPEvery = half
	first, err := suite.AddRun(initial, "uninterrupted run checkpointing at the midpoint", nil)
	if err != nil {
		return nil, err
	}

	restart, err := t.NewRun(t.Name+"-restart", outputDir(ws, "restart"))
	if err != nil {
		return nil, err
	}
	restart.SimParams.NSteps = t.FullRunSteps
	restart.SimParams.StopTime = 0
	restart.SimParams.RestartStep = half
	restart.CPReadPath = initial.OutputDir()
	if _, err := suite.AddRun(restart, fmt.Sprintf("restart from step %d", half), nil, first); err != nil {
		return nil, err
	}
	t.Fields.Fields.ReferencePath = initial.OutputDir()
	return suite, nil
}

// AnalyticMultiRes runs the model at several resolutions and requires the
// analytic error to shrink at the configured rate.
type AnalyticMultiRes struct {
	*Base
	Resolutions [][]int
	Convergence *Convergence
}

func NewAnalyticMultiRes(name string, inputFiles []string, resolutions [][]int, criteria convergence.Criteria, fieldNames ...string) (*AnalyticMultiRes, error) {
	if len(resolutions) < 2 {
		return nil, &model.ConfigError{Run: name, Reason: fmt.Sprintf("need at least 2 resolutions, got %d", len(resolutions))}
	}
	for i, res := range resolutions {
		if err := checkResolution(name, res); err != nil {
			return nil, err
		}
		if len(res) != len(resolutions[0]) {
			return nil, &model.ConfigError{Run: name, Reason: fmt.Sprintf("resolution %v has %d dimensions, expected %d", res, len(res), len(resolutions[0]))}
		}
		if i > 0 && res[0] <= resolutions[i-1][0] {
			return nil, &model.ConfigError{Run: name, Reason: fmt.Sprintf("resolutions must increase from coarse to fine: %v after %v", res, resolutions[i-1])}
		}
	}
	t := &AnalyticMultiRes{Base: NewBase(name, config.TypeAnalyticMultiRes, inputFiles)}
	for _, res := range resolutions {
		t.Resolutions = append(t.Resolutions, append([]int(nil), res...))
	}
	t.Convergence = NewConvergence(fields.NewList(fields.Analytic, fieldNames...), criteria)
	t.Convergence.LengthScales = make([]float64, len(resolutions))
	for i, res := range resolutions {
		t.Convergence.LengthScales[i] = 1 / float64(res[0])
	}
	t.components = append(t.components, t.Convergence)
	return t, nil
}

func (t *AnalyticMultiRes) GenSuite(ws Workspace) (*model.Suite, error) {
	suite := model.NewSuite(t.Name, ws.Dir)
	for _, res := range t.Resolutions {
		sub := "res-" + model.ResolutionString(res)
		run, err := t.NewRun(t.Name+"-"+sub, outputDir(ws, sub))
		if err != nil {
			return nil, err
		}
		if err := run.SetResolution(res); err != nil {
			return nil, err
		}
		if _, err := suite.AddRun(run, "resolution "+model.ResolutionString(res), nil); err != nil {
			return nil, err
		}
	}
	return suite, nil
}

func checkResolution(name string, res []int) error {
	if len(res) < 2 || len(res) > 3 {
		return &model.ConfigError{Run: name, Reason: fmt.Sprintf("resolution %v must have 2 or 3 dimensions", res)}
	}
	for _, n := range res {
		if n <= 0 {
			return &model.ConfigError{Run: name, Reason: fmt.Sprintf("resolution %v has non-positive entry", res)}
		}
	}
	return nil
}

// ImageReference compares rendered images with stored ones.
type ImageReference struct {
	*Base
	FixtureDir string
	Images     *ImageComparison
}

func NewImageReference(name string, inputFiles []string, images []string, fixtureDir string, tol imagecmp.Tolerance) (*ImageReference, error) {
	if len(images) == 0 {
		return nil, &model.ConfigError{Run: name, Reason: "no images to compare"}
	}
	t := &ImageReference{Base: NewBase(name, config.TypeImageReference, inputFiles), FixtureDir: fixtureDir}
	t.Images = &ImageComparison{Images: append([]string(nil), images...), ReferenceDir: fixtureDir, Tolerance: tol}
	t.components = append(t.components, t.Images)
	return t, nil
}

func (t *ImageReference) GenSuite(ws Workspace) (*model.Suite, error) {
	t.Images.ReferenceDir = absPath(t.FixtureDir)
	suite, _, err := singleRunSuite(t.Base, ws)
	return suite, err
}

func (t *ImageReference) CheckFixture() error {
	return checkDir(t.Name, t.FixtureDir, t.Images.Images...)
}

func (t *ImageReference) RegenerateFixture(ctx context.Context, jr runner.JobRunner, env *config.Environment) error {
	run, err := t.NewRun(t.Name+"-fixture", "")
	if err != nil {
		return err
	}
	return regenerate(ctx, jr, env, run, t.FixtureDir, t.Timeout)
}

// RunSpec declares one explicit run of a benchmark.
type RunSpec struct {
	Name        string
	Description string
	// InputFiles defaults to the benchmark's own.
	InputFiles []string
	Params     map[string]model.ParamValue
	NSteps     int
	StopTime   float64
	ExtraArgs  []string
}

// SciBenchmark is an open suite: explicit runs, a variant sweep over the
// shared settings, or both. It passes when every attached component passes.
type SciBenchmark struct {
	*Base
	Runs     []RunSpec
	Variants []model.Variant
	Combine  model.CombineMode
}

func NewSciBenchmark(name string, inputFiles []string) *SciBenchmark {
	return &SciBenchmark{Base: NewBase(name, config.TypeSciBenchmark, inputFiles)}
}

func (t *SciBenchmark) GenSuite(ws Workspace) (*model.Suite, error) {
	if len(t.Runs) == 0 && len(t.Variants) == 0 {
		return nil, &model.ConfigError{Run: t.Name, Reason: "benchmark declares neither runs nor variants"}
	}
	suite := model.NewSuite(t.Name, ws.Dir)
	for _, spec := range t.Runs {
		run, err := t.specRun(ws, spec)
		if err != nil {
			return nil, err
		}
		if _, err := suite.AddRun(run, spec.Description, nil); err != nil {
			return nil, err
		}
	}
	if len(t.Variants) > 0 {
		tmpl, err := t.NewRun(t.Name, ws.Dir)
		if err != nil {
			return nil, err
		}
		if _, err := suite.GenerateRuns(tmpl, t.Variants, t.Combine, nil); err != nil {
			return nil, err
		}
	}
	return suite, nil
}

func (t *SciBenchmark) specRun(ws Workspace, spec RunSpec) (*model.Run, error) {
	if spec.Name == "" {
		return nil, &model.ConfigError{Run: t.Name, Reason: "benchmark run without a name"}
	}
	inputs := spec.InputFiles
	if len(inputs) == 0 {
		inputs = t.InputFiles
	}
	params := t.SimParams
	if spec.NSteps > 0 {
		params.NSteps = spec.NSteps
	}
	if spec.StopTime > 0 {
		params.StopTime = spec.StopTime
	}
	overrides := make(map[string]model.ParamValue, len(t.Params)+len(spec.Params))
	for k, v := range t.Params {
		overrides[k] = v
	}
	for k, v := range spec.Params {
		overrides[k] = v
	}
	run, err := model.NewRun(t.Name+"-"+spec.Name, inputs, outputDir(ws, spec.Name), params, overrides)
	if err != nil {
		return nil, err
	}
	run.BasePath = t.BasePath
	run.NProc = t.NProc
	run.SolverOptsFile = t.SolverOpts
	run.ExtraArgs = append([]string(nil), spec.ExtraArgs...)
	return run, nil
}
