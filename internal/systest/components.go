package systest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/fields"
	"github.com/signalnine/credo/internal/freqout"
	"github.com/signalnine/credo/internal/imagecmp"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
)

// Component is a pluggable check attached to a test. AttachOps runs once the
// suite exists and may add analysis configuration to its runs; Check judges
// the results. A Check error means the data could not be read, not that the
// check failed.
type Component interface {
	Name() string
	AttachOps(ws Workspace, suite *model.Suite) error
	Check(results []*result.ModelResult) (bool, string, error)
	Record() ComponentRecord
}

// outcome keeps the last Check result for the record.
type outcome struct {
	status Status
	detail string
	values []ValueRecord
}

func (o *outcome) set(passed bool, detail string, err error) (bool, string, error) {
	switch {
	case err != nil:
		o.status, o.detail = Error, err.Error()
	case passed:
		o.status, o.detail = Pass, detail
	default:
		o.status, o.detail = Fail, detail
	}
	return passed, detail, err
}

func (o *outcome) add(run, name string, value float64, passed bool) {
	o.values = append(o.values, ValueRecord{Run: run, Name: name, Value: value, Passed: passed})
}

func (o *outcome) fill(rec *ComponentRecord) {
	rec.Status = o.status.String()
	rec.Detail = o.detail
	rec.Values = o.values
}

func attachTo(l *fields.List, ws Workspace, suite *model.Suite, indices []int) error {
	if suite.Len() == 0 {
		return fmt.Errorf("empty suite")
	}
	if l.FromConfig && len(l.Fields()) == 0 {
		if ws.Env == nil {
			return fmt.Errorf("reading fields from the model configuration needs an environment")
		}
		first := suite.Run(0)
		if err := l.ResolveFromConfig(first.InputFiles, first.BasePath, ws.Env); err != nil {
			return err
		}
	}
	if indices == nil {
		for i := 0; i < suite.Len(); i++ {
			indices = append(indices, i)
		}
	}
	for _, i := range indices {
		if i < 0 || i >= suite.Len() {
			return fmt.Errorf("run index %d out of range", i)
		}
		if err := l.AttachTo(suite.Run(i), ws.Dir); err != nil {
			return err
		}
	}
	return nil
}

// FieldWithinTolerance passes when every dof of every compared field is
// within tolerance in every tested result.
type FieldWithinTolerance struct {
	Fields           *fields.List
	DefaultTolerance float64
	FieldTolerances  map[string]float64
	// RunIndices selects the runs that get the analysis configuration; nil
	// means all runs.
	RunIndices []int

	outcome
}

func NewFieldWithinTolerance(list *fields.List, tol float64, perField map[string]float64) *FieldWithinTolerance {
	return &FieldWithinTolerance{Fields: list, DefaultTolerance: tol, FieldTolerances: perField}
}

func (c *FieldWithinTolerance) Name() string { return "fieldWithinTolerance" }

func (c *FieldWithinTolerance) Tolerance(field string) float64 {
	if t, ok := c.FieldTolerances[field]; ok {
		return t
	}
	return c.DefaultTolerance
}

func (c *FieldWithinTolerance) AttachOps(ws Workspace, suite *model.Suite) error {
	return attachTo(c.Fields, ws, suite, c.RunIndices)
}

func (c *FieldWithinTolerance) Check(results []*result.ModelResult) (bool, string, error) {
	c.values = nil
	passed := true
	var failures []string
	compared := 0
	for _, mr := range results {
		frs, err := c.Fields.Results(mr)
		if err != nil {
			return c.set(false, "", fmt.Errorf("run %s: %w", mr.ModelName, err))
		}
		for _, fr := range frs {
			tol := c.Tolerance(fr.Field)
			ok := fr.WithinTolerance(tol)
			mr.RecordField(result.FieldRecord{Field: fr.Field, DofErrors: fr.DofErrors, Tolerance: tol, Passed: ok})
			for dof, e := range fr.DofErrors {
				c.add(mr.ModelName, fmt.Sprintf("%s[%d]", fr.Field, dof+1), e, e <= tol)
			}
			compared++
			if !ok {
				passed = false
				failures = append(failures, fmt.Sprintf("run %s: %s exceeds tolerance %g in dofs %v", mr.ModelName, fr, tol, fr.FailedDofs(tol)))
			}
		}
	}
	if passed {
		return c.set(true, fmt.Sprintf("%d field comparisons within tolerance", compared), nil)
	}
	return c.set(false, strings.Join(failures, "\n"), nil)
}

func (c *FieldWithinTolerance) Record() ComponentRecord {
	rec := ComponentRecord{Name: c.Name()}
	rec.Spec = append(rec.Spec,
		SpecParam{Name: "mode", Value: c.Fields.Mode.String()},
		SpecParam{Name: "defaultTolerance", Value: fmt.Sprint(c.DefaultTolerance)},
	)
	if c.Fields.ReferencePath != "" {
		rec.Spec = append(rec.Spec, SpecParam{Name: "referencePath", Value: c.Fields.ReferencePath})
	}
	for _, f := range c.Fields.Fields() {
		rec.Spec = append(rec.Spec, SpecParam{Name: "tolerance:" + f, Value: fmt.Sprint(c.Tolerance(f))})
	}
	c.fill(&rec)
	return rec
}

// Convergence passes when every field with a criterion shows the required
// error reduction across the tested results, ordered coarse to fine.
type Convergence struct {
	Fields   *fields.List
	Criteria convergence.Criteria
	// LengthScales, when set, gives each tested result's length scale
	// instead of reading it from the convergence files.
	LengthScales []float64

	outcome
	verdicts []convergence.Verdict
}

func NewConvergence(list *fields.List, criteria convergence.Criteria) *Convergence {
	return &Convergence{Fields: list, Criteria: criteria}
}

func (c *Convergence) Name() string { return "convergence" }

func (c *Convergence) AttachOps(ws Workspace, suite *model.Suite) error {
	return attachTo(c.Fields, ws, suite, nil)
}

// Verdicts returns the per-field verdicts of the last Check.
func (c *Convergence) Verdicts() []convergence.Verdict { return c.verdicts }

func (c *Convergence) Check(results []*result.ModelResult) (bool, string, error) {
	c.values = nil
	if len(results) < 2 {
		return c.set(false, "", fmt.Errorf("convergence needs at least 2 results, got %d", len(results)))
	}
	dirs := make([]string, len(results))
	for i, mr := range results {
		dirs[i] = mr.OutputPath
	}
	verdicts, err := convergence.AnalyseAt(c.Fields.Fields(), dirs, c.LengthScales, c.Criteria)
	if err != nil {
		return c.set(false, "", err)
	}
	c.verdicts = verdicts
	passed := true
	details := make([]string, len(verdicts))
	for i, v := range verdicts {
		details[i] = v.Detail
		if !v.Passed {
			passed = false
		}
		for dof, r := range v.Rates {
			crit := c.Criteria[v.Field]
			ok := r.Slope >= crit.Rate && r.Correlation >= crit.Correlation
			c.add("", fmt.Sprintf("%s[%d].rate", v.Field, dof+1), r.Slope, ok)
			c.add("", fmt.Sprintf("%s[%d].correlation", v.Field, dof+1), r.Correlation, ok)
		}
	}
	return c.set(passed, strings.Join(details, "\n"), nil)
}

func (c *Convergence) Record() ComponentRecord {
	rec := ComponentRecord{Name: c.Name()}
	for _, f := range c.Fields.Fields() {
		if crit, ok := c.Criteria[f]; ok {
			rec.Spec = append(rec.Spec, SpecParam{Name: "criterion:" + f, Value: fmt.Sprintf("rate>=%g correlation>=%g", crit.Rate, crit.Correlation)})
		}
	}
	c.fill(&rec)
	return rec
}

// OutputWithinRange reduces a FrequentOutput column and checks the chosen
// value, and optionally its timestep, against bounds.
type OutputWithinRange struct {
	Label   string
	Column  string
	Op      freqout.ReduceOp
	Min     *float64
	Max     *float64
	StepMin *int
	StepMax *int

	outcome
}

func (c *OutputWithinRange) Name() string { return "outputWithinRange:" + c.Label }

func (c *OutputWithinRange) AttachOps(Workspace, *model.Suite) error { return nil }

func (c *OutputWithinRange) bounds() string {
	lo, hi := "-inf", "+inf"
	if c.Min != nil {
		lo = fmt.Sprint(*c.Min)
	}
	if c.Max != nil {
		hi = fmt.Sprint(*c.Max)
	}
	return fmt.Sprintf("[%s, %s]", lo, hi)
}

func (c *OutputWithinRange) stepOK(step int) bool {
	return (c.StepMin == nil || step >= *c.StepMin) && (c.StepMax == nil || step <= *c.StepMax)
}

func (c *OutputWithinRange) Check(results []*result.ModelResult) (bool, string, error) {
	c.values = nil
	passed := true
	var lines []string
	for _, mr := range results {
		r, err := mr.FreqOutput()
		if err != nil {
			return c.set(false, "", fmt.Errorf("run %s: %w", mr.ModelName, err))
		}
		val, step, err := r.Reduce(c.Column, c.Op)
		if err != nil {
			return c.set(false, "", fmt.Errorf("run %s: %w", mr.ModelName, err))
		}
		ok := (c.Min == nil || val >= *c.Min) && (c.Max == nil || val <= *c.Max)
		sok := c.stepOK(step)
		c.add(mr.ModelName, c.Column, val, ok && sok)
		switch {
		case !ok:
			passed = false
			lines = append(lines, fmt.Sprintf("run %s: %s of %s = %g at step %d outside %s", mr.ModelName, c.Op, c.Column, val, step, c.bounds()))
		case !sok:
			passed = false
			lines = append(lines, fmt.Sprintf("run %s: %s of %s = %g at step %d, step outside allowed range", mr.ModelName, c.Op, c.Column, val, step))
		default:
			lines = append(lines, fmt.Sprintf("run %s: %s of %s = %g at step %d within %s", mr.ModelName, c.Op, c.Column, val, step, c.bounds()))
		}
	}
	return c.set(passed, strings.Join(lines, "\n"), nil)
}

func (c *OutputWithinRange) Record() ComponentRecord {
	rec := ComponentRecord{Name: c.Name()}
	rec.Spec = []SpecParam{
		{Name: "column", Value: c.Column},
		{Name: "reduce", Value: c.Op.String()},
		{Name: "bounds", Value: c.bounds()},
	}
	if c.StepMin != nil {
		rec.Spec = append(rec.Spec, SpecParam{Name: "stepMin", Value: fmt.Sprint(*c.StepMin)})
	}
	if c.StepMax != nil {
		rec.Spec = append(rec.Spec, SpecParam{Name: "stepMax", Value: fmt.Sprint(*c.StepMax)})
	}
	c.fill(&rec)
	return rec
}

// ImageComparison compares rendered images in each result's output
// directory with same-named images under ReferenceDir.
type ImageComparison struct {
	Images       []string
	ReferenceDir string
	Tolerance    imagecmp.Tolerance

	outcome
}

func (c *ImageComparison) Name() string { return "imageComparison" }

func (c *ImageComparison) AttachOps(Workspace, *model.Suite) error { return nil }

func (c *ImageComparison) Check(results []*result.ModelResult) (bool, string, error) {
	c.values = nil
	passed := true
	var lines []string
	for _, mr := range results {
		for _, img := range c.Images {
			d, err := imagecmp.CompareFiles(filepath.Join(c.ReferenceDir, img), filepath.Join(mr.OutputPath, img))
			if err != nil {
				return c.set(false, "", fmt.Errorf("run %s: %w", mr.ModelName, err))
			}
			ok := d.Within(c.Tolerance)
			c.add(mr.ModelName, img+".histogram", d.Histogram, d.Histogram <= c.Tolerance.Histogram)
			c.add(mr.ModelName, img+".pixel", d.Pixel, d.Pixel <= c.Tolerance.Pixel)
			verdict := "within"
			if !ok {
				passed = false
				verdict = "outside"
			}
			lines = append(lines, fmt.Sprintf("run %s: %s histogram %.4g pixel %.4g %s tolerance (%g, %g)",
				mr.ModelName, img, d.Histogram, d.Pixel, verdict, c.Tolerance.Histogram, c.Tolerance.Pixel))
		}
	}
	return c.set(passed, strings.Join(lines, "\n"), nil)
}

func (c *ImageComparison) Record() ComponentRecord {
	rec := ComponentRecord{Name: c.Name()}
	rec.Spec = []SpecParam{
		{Name: "referenceDir", Value: c.ReferenceDir},
		{Name: "images", Value: strings.Join(c.Images, ",")},
		{Name: "histogramTolerance", Value: fmt.Sprint(c.Tolerance.Histogram)},
		{Name: "pixelTolerance", Value: fmt.Sprint(c.Tolerance.Pixel)},
	}
	c.fill(&rec)
	return rec
}
