// Package model describes simulation invocations independently of how they
// are launched: a Run is one call of the simulation binary, a Suite is an
// ordered family of them.
package model

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/signalnine/credo/internal/config"
)

// ConfigError reports a run or suite that cannot be executed as declared.
type ConfigError struct {
	Run    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Run == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("run %q: %s", e.Run, e.Reason)
}

// Names of the structured simulation parameters on the command line.
const (
	ParamNSteps      = "maxTimeSteps"
	ParamStopTime    = "stopTime"
	ParamCPEvery     = "checkpointEvery"
	ParamDumpEvery   = "dumpEvery"
	ParamRestartStep = "restartTimestep"
)

var resolutionParams = []string{"elementResI", "elementResJ", "elementResK"}

// SimParams are the run-control parameters the harness itself manages.
// Zero means unset; RestartStep uses -1 for unset since 0 is a valid step.
type SimParams struct {
	NSteps      int
	StopTime    float64
	CPEvery     int
	DumpEvery   int
	RestartStep int
}

func NewSimParams() SimParams {
	return SimParams{RestartStep: -1}
}

// Names returns the command-line names of the parameters that are set.
func (p SimParams) Names() []string {
	var names []string
	for _, kv := range p.pairs() {
		names = append(names, kv[0])
	}
	return names
}

func (p SimParams) pairs() [][2]string {
	var out [][2]string
	if p.NSteps > 0 {
		out = append(out, [2]string{ParamNSteps, IntParam(p.NSteps).String()})
	}
	if p.StopTime > 0 {
		out = append(out, [2]string{ParamStopTime, FloatParam(p.StopTime).String()})
	}
	if p.CPEvery > 0 {
		out = append(out, [2]string{ParamCPEvery, IntParam(p.CPEvery).String()})
	}
	if p.DumpEvery > 0 {
		out = append(out, [2]string{ParamDumpEvery, IntParam(p.DumpEvery).String()})
	}
	if p.RestartStep >= 0 {
		out = append(out, [2]string{ParamRestartStep, IntParam(p.RestartStep).String()})
	}
	return out
}

// Run is one simulation invocation.
type Run struct {
	Name       string
	InputFiles []string
	BasePath   string
	// OutputPath is relative to BasePath unless absolute.
	OutputPath     string
	CPReadPath     string
	LogPath        string
	NProc          int
	SimParams      SimParams
	ParamOverrides map[string]ParamValue
	// CPFields restricts which fields are written at a checkpoint.
	CPFields       []string
	SolverOptsFile string
	// ExtraArgs are appended verbatim after every generated argument.
	ExtraArgs []string
}

// NewRun builds a run and rejects overrides that shadow a structured
// simulation parameter.
func NewRun(name string, inputFiles []string, outputPath string, params SimParams, overrides map[string]ParamValue) (*Run, error) {
	if name == "" {
		return nil, &ConfigError{Reason: "run name is required"}
	}
	r := &Run{
		Name:           name,
		InputFiles:     append([]string(nil), inputFiles...),
		BasePath:       ".",
		OutputPath:     outputPath,
		NProc:          1,
		SimParams:      params,
		ParamOverrides: map[string]ParamValue{},
	}
	for k, v := range overrides {
		r.ParamOverrides[k] = v
	}
	if err := r.checkConflicts(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Run) checkConflicts() error {
	var clash []string
	for _, name := range r.SimParams.Names() {
		if _, ok := r.ParamOverrides[name]; ok {
			clash = append(clash, name)
		}
	}
	if len(clash) > 0 {
		return &ConfigError{Run: r.Name, Reason: fmt.Sprintf("parameters %s set both as simulation parameters and as overrides", strings.Join(clash, ", "))}
	}
	return nil
}

// OutputDir returns the absolute output directory.
func (r *Run) OutputDir() string {
	return r.resolve(r.OutputPath)
}

// CheckpointReadDir returns the absolute checkpoint read directory, or "".
func (r *Run) CheckpointReadDir() string {
	if r.CPReadPath == "" {
		return ""
	}
	return r.resolve(r.CPReadPath)
}

// LogDir returns where stdout/stderr captures go; the output directory when
// LogPath is unset.
func (r *Run) LogDir() string {
	if r.LogPath == "" {
		return r.OutputDir()
	}
	return r.resolve(r.LogPath)
}

func (r *Run) resolve(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.BasePath, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// CheckValid verifies the run can be launched: every input file resolves,
// no parameter is set twice, a termination condition exists, and the
// simulation executable is discoverable.
func (r *Run) CheckValid(env *config.Environment) error {
	if len(r.InputFiles) == 0 {
		return &ConfigError{Run: r.Name, Reason: "no input files"}
	}
	var missing []string
	for _, f := range r.InputFiles {
		if _, ok := env.FindInputFile(f, r.BasePath); !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		searched := append([]string{r.BasePath}, env.XMLSearchPaths...)
		return &ConfigError{Run: r.Name, Reason: fmt.Sprintf("input files %s not found (searched %s)", strings.Join(missing, ", "), strings.Join(searched, ", "))}
	}
	if r.SolverOptsFile != "" {
		if _, ok := env.FindInputFile(r.SolverOptsFile, r.BasePath); !ok {
			return &ConfigError{Run: r.Name, Reason: fmt.Sprintf("solver options file %s not found", r.SolverOptsFile)}
		}
	}
	if err := r.checkConflicts(); err != nil {
		return err
	}
	if r.SimParams.NSteps <= 0 && r.SimParams.StopTime <= 0 && !r.overridesTermination() {
		return &ConfigError{Run: r.Name, Reason: "no termination condition: neither a step count nor a stop time is set"}
	}
	if r.NProc < 1 {
		return &ConfigError{Run: r.Name, Reason: fmt.Sprintf("nproc %d must be positive", r.NProc)}
	}
	if _, err := env.ResolveExecutable(); err != nil {
		return &ConfigError{Run: r.Name, Reason: err.Error()}
	}
	return nil
}

// overridesTermination reports whether a raw override sets the termination
// condition, which happens for runs loaded from older records.
func (r *Run) overridesTermination() bool {
	_, a := r.ParamOverrides[ParamNSteps]
	_, b := r.ParamOverrides[ParamStopTime]
	return a || b
}

// CloneWith copies the run under a new name and output path, then applies
// overrides on top of the copy's.
func (r *Run) CloneWith(name, outputPath string, overrides map[string]ParamValue) (*Run, error) {
	c := *r
	c.Name = name
	c.OutputPath = outputPath
	c.InputFiles = append([]string(nil), r.InputFiles...)
	c.CPFields = append([]string(nil), r.CPFields...)
	c.ExtraArgs = append([]string(nil), r.ExtraArgs...)
	c.ParamOverrides = make(map[string]ParamValue, len(r.ParamOverrides)+len(overrides))
	for k, v := range r.ParamOverrides {
		c.ParamOverrides[k] = v
	}
	for k, v := range overrides {
		c.ParamOverrides[k] = v
	}
	if err := c.checkConflicts(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetResolution sets elementResI/J/K from res, which must have 2 or 3
// entries.
func (r *Run) SetResolution(res []int) error {
	if len(res) < 2 || len(res) > 3 {
		return &ConfigError{Run: r.Name, Reason: fmt.Sprintf("resolution %v must have 2 or 3 dimensions", res)}
	}
	for i, n := range res {
		if n <= 0 {
			return &ConfigError{Run: r.Name, Reason: fmt.Sprintf("resolution %v has non-positive entry", res)}
		}
		r.ParamOverrides[resolutionParams[i]] = IntParam(n)
	}
	return nil
}

// ResolutionString formats res as 32x32 or 32x32x16.
func ResolutionString(res []int) string {
	parts := make([]string, len(res))
	for i, n := range res {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, "x")
}

// Args returns the simulation's arguments (input files first, then
// generated options). The caller prefixes the executable and launcher.
func (r *Run) Args() []string {
	args := append([]string(nil), r.InputFiles...)
	args = append(args, "--outputPath="+r.OutputDir())
	if cp := r.CheckpointReadDir(); cp != "" {
		args = append(args, "--checkpointReadPath="+cp)
	}
	for _, kv := range r.SimParams.pairs() {
		args = append(args, fmt.Sprintf("--%s=%s", kv[0], kv[1]))
	}
	keys := make([]string, 0, len(r.ParamOverrides))
	for k := range r.ParamOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s=%s", k, r.ParamOverrides[k]))
	}
	for _, f := range r.CPFields {
		args = append(args, "--FieldVariablesToCheckpoint[]="+f)
	}
	if r.SolverOptsFile != "" {
		args = append(args, "-options_file", r.SolverOptsFile)
	}
	return append(args, r.ExtraArgs...)
}
