package systest

import (
	"fmt"
	"path/filepath"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/fields"
	"github.com/signalnine/credo/internal/freqout"
	"github.com/signalnine/credo/internal/imagecmp"
	"github.com/signalnine/credo/internal/model"
)

// FromConfig builds the test tc describes. criteria are the suite-wide
// convergence criteria; the test's own criteria take precedence.
func FromConfig(tc *config.TestConfig, criteria convergence.Criteria) (SysTest, error) {
	params, err := convertParams(tc.Name, tc.Params)
	if err != nil {
		return nil, err
	}
	tol := tc.Tolerance
	if tol == 0 {
		tol = DefaultFieldTolerance
	}
	fixture := tc.ExpectedPath
	if fixture != "" && !filepath.IsAbs(fixture) {
		fixture = filepath.Join(tc.BasePath, fixture)
	}

	var t SysTest
	switch tc.Type {
	case config.TypeAnalytic:
		t = NewAnalytic(tc.Name, tc.InputFiles, tol, tc.FieldTolerances, tc.Fields...)
	case config.TypeReference:
		if fixture == "" {
			fixture = defaultFixtureDir(tc.BasePath, tc.Name)
		}
		ref := NewReference(tc.Name, tc.InputFiles, fixture, tol, tc.FieldTolerances, tc.Fields...)
		ref.TestTimestep = tc.TestTimestep
		t = ref
	case config.TypeHighResReference:
		hr, err := NewHighResReference(tc.Name, tc.InputFiles, tc.Resolution, tc.HighResRatio, fixture, tol, tc.FieldTolerances, tc.Fields...)
		if err != nil {
			return nil, err
		}
		if hr.FixtureDir == "" {
			hr.FixtureDir = defaultFixtureDir(tc.BasePath, tc.Name+"-highres-"+model.ResolutionString(hr.HighResolution()))
		}
		hr.TestTimestep = tc.TestTimestep
		t = hr
	case config.TypeRestart:
		rs, err := NewRestart(tc.Name, tc.InputFiles, tc.FullRunSteps, tol, tc.FieldTolerances, tc.Fields...)
		if err != nil {
			return nil, err
		}
		t = rs
	case config.TypeAnalyticMultiRes:
		merged := criteria.Merge(convertCriteria(tc.Criteria))
		mr, err := NewAnalyticMultiRes(tc.Name, tc.InputFiles, tc.Resolutions, merged, tc.Fields...)
		if err != nil {
			return nil, err
		}
		t = mr
	case config.TypeImageReference:
		if fixture == "" {
			fixture = defaultFixtureDir(tc.BasePath, tc.Name)
		}
		itol, err := imageTolerance(tc)
		if err != nil {
			return nil, err
		}
		ir, err := NewImageReference(tc.Name, tc.InputFiles, tc.Images, fixture, itol)
		if err != nil {
			return nil, err
		}
		t = ir
	case config.TypeSciBenchmark:
		sb, err := benchmarkFromConfig(tc, tol)
		if err != nil {
			return nil, err
		}
		t = sb
	default:
		return nil, &model.ConfigError{Run: tc.Name, Reason: fmt.Sprintf("unknown test type %q", tc.Type)}
	}

	b := t.Common()
	b.Description = tc.Description
	b.BasePath = tc.BasePath
	if tc.NProc > 0 {
		b.NProc = tc.NProc
	}
	b.Timeout = tc.TimeoutDuration()
	b.Params = params
	b.SolverOpts = tc.SolverOpts
	b.SimParams.NSteps = tc.NSteps
	b.SimParams.StopTime = tc.StopTime
	if b.SimParams.NSteps == 0 && b.SimParams.StopTime == 0 && tc.Type != config.TypeRestart {
		// Analytic benchmarks are steady-state solves.
		b.SimParams.NSteps = 1
	}
	return t, nil
}

func convertParams(test string, raw map[string]interface{}) (map[string]model.ParamValue, error) {
	out := make(map[string]model.ParamValue, len(raw))
	for k, v := range raw {
		pv, err := model.ParamFromAny(v)
		if err != nil {
			return nil, &model.ConfigError{Run: test, Reason: fmt.Sprintf("param %s: %v", k, err)}
		}
		out[k] = pv
	}
	return out, nil
}

func convertCriteria(in map[string]config.Criterion) convergence.Criteria {
	out := make(convergence.Criteria, len(in))
	for f, c := range in {
		out[f] = convergence.Criterion{Rate: c.Rate, Correlation: c.Correlation}
	}
	return out
}

func imageTolerance(tc *config.TestConfig) (imagecmp.Tolerance, error) {
	switch len(tc.ImageTolerances) {
	case 0:
		return imagecmp.DefaultTolerance, nil
	case 2:
		return imagecmp.Tolerance{Histogram: tc.ImageTolerances[0], Pixel: tc.ImageTolerances[1]}, nil
	}
	return imagecmp.Tolerance{}, &model.ConfigError{Run: tc.Name, Reason: fmt.Sprintf("image_tolerances needs [histogram, pixel], got %v", tc.ImageTolerances)}
}

func benchmarkFromConfig(tc *config.TestConfig, tol float64) (*SciBenchmark, error) {
	sb := NewSciBenchmark(tc.Name, tc.InputFiles)
	for _, rc := range tc.Runs {
		params, err := convertParams(tc.Name, rc.Params)
		if err != nil {
			return nil, err
		}
		sb.Runs = append(sb.Runs, RunSpec{
			Name:        rc.Name,
			Description: rc.Description,
			InputFiles:  rc.InputFiles,
			Params:      params,
			NSteps:      rc.NSteps,
			StopTime:    rc.StopTime,
			ExtraArgs:   rc.ExtraArgs,
		})
	}
	for _, vc := range tc.Variants {
		v := model.Variant{Name: vc.Name, Param: vc.Param}
		if v.Name == "" {
			v.Name = vc.Param
		}
		for _, raw := range vc.Values {
			pv, err := model.ParamFromAny(raw)
			if err != nil {
				return nil, &model.ConfigError{Run: tc.Name, Reason: fmt.Sprintf("variant %s: %v", v.Name, err)}
			}
			v.Values = append(v.Values, pv)
		}
		sb.Variants = append(sb.Variants, v)
	}
	mode, err := model.ParseCombineMode(tc.Combine)
	if err != nil {
		return nil, &model.ConfigError{Run: tc.Name, Reason: err.Error()}
	}
	sb.Combine = mode

	for _, rg := range tc.Ranges {
		op, err := freqout.ParseReduceOp(orDefault(rg.Reduce, "last"), rg.Arg)
		if err != nil {
			return nil, &model.ConfigError{Run: tc.Name, Reason: fmt.Sprintf("range %s: %v", rg.Name, err)}
		}
		label := rg.Name
		if label == "" {
			label = rg.Column
		}
		if err := sb.AddComponent(&OutputWithinRange{
			Label:   label,
			Column:  rg.Column,
			Op:      op,
			Min:     rg.Min,
			Max:     rg.Max,
			StepMin: rg.StepMin,
			StepMax: rg.StepMax,
		}); err != nil {
			return nil, err
		}
	}
	if len(tc.Fields) > 0 {
		c := NewFieldWithinTolerance(fields.NewList(fields.Analytic, tc.Fields...), tol, tc.FieldTolerances)
		if err := sb.AddComponent(c); err != nil {
			return nil, err
		}
	}
	if len(sb.components) == 0 {
		return nil, &model.ConfigError{Run: tc.Name, Reason: "benchmark has no ranges or fields to check"}
	}
	return sb, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
