// Package systest implements system tests: a suite of simulation runs plus
// the components that judge their output, driven through one state machine.
package systest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/logging"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
	"github.com/signalnine/credo/internal/runner"
)

// Status is a test verdict.
type Status int

const (
	NotRun Status = iota
	Pass
	Fail
	Error
)

func (s Status) String() string {
	switch s {
	case Pass:
		return "Pass"
	case Fail:
		return "Fail"
	case Error:
		return "Error"
	default:
		return "NotRun"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) Status {
	switch s {
	case "Pass":
		return Pass
	case "Fail":
		return Fail
	case "Error":
		return Error
	}
	return NotRun
}

// State is a step of a test's lifecycle.
type State int

const (
	Constructed State = iota
	SuiteGenerated
	FixtureSetup
	Executing
	Passed
	Failed
	Errored
)

func (s State) String() string {
	return [...]string{"CONSTRUCTED", "SUITE_GENERATED", "FIXTURE_SETUP", "EXECUTING", "PASSED", "FAILED", "ERRORED"}[s]
}

// Terminal reports whether s is a verdict state.
func (s State) Terminal() bool { return s >= Passed }

// Result is the verdict of one execution.
type Result struct {
	Status Status
	Detail string
	// RecordPath is where the execution record was written, if it was.
	RecordPath string
}

// Workspace is where a test generates its suite.
type Workspace struct {
	// Dir holds the test's run outputs, analysis configs and record.
	Dir string
	Env *config.Environment
}

// SysTest is one system test. Concrete types embed *Base and supply
// GenSuite; GetStatus is usually Base's.
type SysTest interface {
	Common() *Base
	GenSuite(ws Workspace) (*model.Suite, error)
	GetStatus(results []*result.ModelResult) Result
}

// FixtureUser is a test that compares against a stored fixture, checked
// before any run starts.
type FixtureUser interface {
	CheckFixture() error
}

// Regenerator is a FixtureUser that can rebuild its fixture.
type Regenerator interface {
	FixtureUser
	RegenerateFixture(ctx context.Context, jr runner.JobRunner, env *config.Environment) error
}

// FixtureNotFoundError reports a missing stored fixture.
type FixtureNotFoundError struct {
	Test string
	Path string
}

func (e *FixtureNotFoundError) Error() string {
	return fmt.Sprintf("test %s: fixture not found at %s (run `credo regen --test %s` to create it)", e.Test, e.Path, e.Test)
}

// Base holds what every test type shares.
type Base struct {
	Name        string
	Type        string
	Description string
	InputFiles  []string
	BasePath    string
	NProc       int
	// Timeout bounds each run; zero is unbounded.
	Timeout    time.Duration
	Params     map[string]model.ParamValue
	SolverOpts string
	SimParams  model.SimParams
	// ResIndicesToTest restricts the components to these suite results. Nil
	// means all of them.
	ResIndicesToTest []int

	ID         string
	components []Component
	state      State
	result     Result
	started    time.Time
	finished   time.Time
	suite      *model.Suite
}

// NewBase returns a base in the Constructed state.
func NewBase(name, typ string, inputFiles []string) *Base {
	return &Base{
		Name:       name,
		Type:       typ,
		InputFiles: append([]string(nil), inputFiles...),
		BasePath:   ".",
		NProc:      1,
		Params:     map[string]model.ParamValue{},
		SimParams:  model.NewSimParams(),
	}
}

func (b *Base) Common() *Base { return b }

func (b *Base) State() State { return b.state }

// Result returns the verdict, which is meaningful once the state is terminal.
func (b *Base) Result() Result { return b.result }

// Components returns the attached components in attachment order.
func (b *Base) Components() []Component {
	return append([]Component(nil), b.components...)
}

// AddComponent attaches c. Components must be attached before execution.
func (b *Base) AddComponent(c Component) error {
	if b.state != Constructed {
		return fmt.Errorf("test %s: cannot attach component %s in state %s", b.Name, c.Name(), b.state)
	}
	for _, other := range b.components {
		if other.Name() == c.Name() {
			return fmt.Errorf("test %s: duplicate component %s", b.Name, c.Name())
		}
	}
	b.components = append(b.components, c)
	return nil
}

var transitions = map[State][]State{
	Constructed:    {SuiteGenerated, Errored},
	SuiteGenerated: {FixtureSetup, Executing, Errored},
	FixtureSetup:   {Executing, Errored},
	Executing:      {Passed, Failed, Errored},
}

func (b *Base) transition(to State) error {
	for _, s := range transitions[b.state] {
		if s == to {
			logging.Debug("SysTest", "%s: %s -> %s", b.Name, b.state, to)
			b.state = to
			return nil
		}
	}
	return fmt.Errorf("test %s: illegal transition %s -> %s", b.Name, b.state, to)
}

// NewRun builds a run from the shared settings, with output under dir.
func (b *Base) NewRun(name, outputDir string) (*model.Run, error) {
	r, err := model.NewRun(name, b.InputFiles, outputDir, b.SimParams, b.Params)
	if err != nil {
		return nil, err
	}
	r.BasePath = b.BasePath
	r.NProc = b.NProc
	r.SolverOptsFile = b.SolverOpts
	return r, nil
}

// GetStatus applies every component to the tested subset of results. All
// components are evaluated even after one fails. A component that cannot
// read its data makes the verdict Error.
func (b *Base) GetStatus(results []*result.ModelResult) Result {
	tested, err := b.selectResults(results)
	if err != nil {
		return Result{Status: Error, Detail: err.Error()}
	}
	if len(b.components) == 0 {
		return Result{Status: Error, Detail: "no test components attached"}
	}
	status := Pass
	var details []string
	for _, c := range b.components {
		ok, detail, err := c.Check(tested)
		switch {
		case err != nil:
			status = Error
			details = append(details, fmt.Sprintf("%s: error: %v", c.Name(), err))
		case !ok:
			if status == Pass {
				status = Fail
			}
			details = append(details, fmt.Sprintf("%s: %s", c.Name(), detail))
		default:
			details = append(details, fmt.Sprintf("%s: %s", c.Name(), detail))
		}
	}
	return Result{Status: status, Detail: strings.Join(details, "\n")}
}

func (b *Base) selectResults(results []*result.ModelResult) ([]*result.ModelResult, error) {
	indices := b.ResIndicesToTest
	if indices == nil {
		indices = make([]int, len(results))
		for i := range results {
			indices[i] = i
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("no results to test")
	}
	out := make([]*result.ModelResult, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(results) {
			return nil, fmt.Errorf("result index %d out of range: suite produced %d results", i, len(results))
		}
		if results[i] == nil {
			return nil, fmt.Errorf("result %d is missing", i)
		}
		out = append(out, results[i])
	}
	return out, nil
}

// ExecOpts control Execute.
type ExecOpts struct {
	// Dir is the test's output directory.
	Dir         string
	Env         *config.Environment
	NonBlocking bool
	// DryRun generates the suite and prints commands without judging.
	DryRun bool
	// Console receives the coloured verdict; nil disables it.
	Console io.Writer
}

// Execute drives t through its lifecycle once and writes its record. Any
// configuration, launch or run error yields an Error verdict; comparison
// failures yield Fail.
func Execute(ctx context.Context, t SysTest, jr runner.JobRunner, opts ExecOpts) Result {
	b := t.Common()
	if b.state != Constructed {
		return Result{Status: Error, Detail: fmt.Sprintf("test %s already executed (state %s)", b.Name, b.state)}
	}
	b.ID = uuid.NewString()
	b.started = time.Now()
	ws := Workspace{Dir: absPath(opts.Dir), Env: opts.Env}

	var results []*result.ModelResult
	res, done := b.prepare(t, ws)
	if !done {
		if err := b.transition(Executing); err != nil {
			res = Result{Status: Error, Detail: err.Error()}
		} else {
			var err error
			results, err = runner.RunSuite(ctx, jr, b.suite, runner.SuiteOpts{
				NonBlocking: opts.NonBlocking,
				MaxRunTime:  b.Timeout,
			})
			switch {
			case err != nil:
				res = Result{Status: Error, Detail: err.Error()}
			case opts.DryRun:
				b.finished = time.Now()
				return Result{Status: NotRun, Detail: "dry run"}
			default:
				res = t.GetStatus(results)
				persistResults(results)
			}
		}
	}
	b.finish(res)

	if opts.Dir != "" {
		path, err := b.WriteRecord(ws.Dir, results)
		if err != nil {
			logging.Error("SysTest", err, "writing record for %s", b.Name)
		} else {
			b.result.RecordPath = path
		}
	}
	if opts.Console != nil {
		PrintResult(opts.Console, b.Name, b.result)
	}
	return b.result
}

// persistResults rewrites each run's result record so that field
// comparisons made while judging the test reach disk.
func persistResults(results []*result.ModelResult) {
	for _, mr := range results {
		if mr == nil {
			continue
		}
		if _, err := result.WriteRecord(mr); err != nil {
			logging.Error("SysTest", err, "rewriting result record for %s", mr.ModelName)
		}
	}
}

// prepare runs suite generation, component setup and fixture checks. It
// reports done when the test has already reached a verdict.
func (b *Base) prepare(t SysTest, ws Workspace) (Result, bool) {
	fail := func(err error) (Result, bool) {
		return Result{Status: Error, Detail: err.Error()}, true
	}
	suite, err := t.GenSuite(ws)
	if err != nil {
		return fail(err)
	}
	b.suite = suite
	if err := b.transition(SuiteGenerated); err != nil {
		return fail(err)
	}
	for _, c := range b.components {
		if err := c.AttachOps(ws, suite); err != nil {
			return fail(fmt.Errorf("attaching %s: %w", c.Name(), err))
		}
	}
	if fu, ok := t.(FixtureUser); ok {
		if err := b.transition(FixtureSetup); err != nil {
			return fail(err)
		}
		if err := fu.CheckFixture(); err != nil {
			return fail(err)
		}
	}
	if ws.Env != nil {
		if err := suite.CheckValid(ws.Env); err != nil {
			return fail(err)
		}
	}
	return Result{}, false
}

func (b *Base) finish(res Result) {
	b.finished = time.Now()
	b.result = res
	to := Errored
	switch res.Status {
	case Pass:
		to = Passed
	case Fail:
		to = Failed
	}
	if err := b.transition(to); err != nil {
		logging.Error("SysTest", err, "recording verdict")
		b.state = Errored
	}
}

// outputDir is where run name writes, under the workspace.
func outputDir(ws Workspace, name string) string {
	return absPath(filepath.Join(ws.Dir, name))
}
