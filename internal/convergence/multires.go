package convergence

import (
	"fmt"

	"github.com/signalnine/credo/internal/logging"
)

// Sample is one run's final per-dof errors for a field, with the length
// scale of that run.
type Sample struct {
	LengthScale float64
	DofErrors   []float64
}

// CollectSamples reads the final errors of field from every output
// directory, in order.
func CollectSamples(field string, dirs []string) ([]Sample, error) {
	return collectSamples(field, dirs, nil)
}

// collectSamples takes length scales from lengthScales when it is non-nil
// and from the convergence files otherwise.
func collectSamples(field string, dirs []string, lengthScales []float64) ([]Sample, error) {
	samples := make([]Sample, 0, len(dirs))
	for i, dir := range dirs {
		idx, err := BuildIndex(dir)
		if err != nil {
			return nil, err
		}
		entry, err := idx.Lookup(field, dir)
		if err != nil {
			return nil, err
		}
		errs, err := LastDofErrors(entry)
		if err != nil {
			return nil, err
		}
		var ls float64
		if lengthScales != nil {
			ls = lengthScales[i]
		} else if ls, err = ResolutionOf(entry.Path); err != nil {
			return nil, err
		}
		samples = append(samples, Sample{LengthScale: ls, DofErrors: errs})
	}
	return samples, nil
}

// RateFromSamples transposes samples into per-dof series and calls Rate.
func RateFromSamples(field string, samples []Sample) ([]DofRate, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("field %s: no samples", field)
	}
	ndofs := len(samples[0].DofErrors)
	lengthScales := make([]float64, len(samples))
	series := make([][]float64, ndofs)
	for i, s := range samples {
		if len(s.DofErrors) != ndofs {
			return nil, fmt.Errorf("field %s: run %d has %d dofs, run 0 has %d", field, i, len(s.DofErrors), ndofs)
		}
		lengthScales[i] = s.LengthScale
		for d, e := range s.DofErrors {
			series[d] = append(series[d], e)
		}
	}
	return Rate(field, lengthScales, series)
}

// Analyse checks each field's convergence across dirs, taking each run's
// length scale from its convergence file. Fields without a criterion are
// skipped with a warning rather than failed.
func Analyse(fields []string, dirs []string, criteria Criteria) ([]Verdict, error) {
	return AnalyseAt(fields, dirs, nil, criteria)
}

// AnalyseAt is Analyse with the length scale of each dir given explicitly.
// A nil lengthScales falls back to the convergence files.
func AnalyseAt(fields []string, dirs []string, lengthScales []float64, criteria Criteria) ([]Verdict, error) {
	if lengthScales != nil && len(lengthScales) != len(dirs) {
		return nil, fmt.Errorf("%w: %d length scales for %d runs", ErrLengthMismatch, len(lengthScales), len(dirs))
	}
	var verdicts []Verdict
	for _, field := range fields {
		crit, ok := criteria[field]
		if !ok {
			logging.Warn("Convergence", "no convergence criterion registered for field %s, skipping", field)
			verdicts = append(verdicts, Verdict{
				Field:   field,
				Passed:  true,
				Skipped: true,
				Detail:  fmt.Sprintf("field %s skipped: no convergence criterion registered", field),
			})
			continue
		}
		samples, err := collectSamples(field, dirs, lengthScales)
		if err != nil {
			return nil, err
		}
		rates, err := RateFromSamples(field, samples)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, MeetsRequirement(field, rates, crit))
	}
	return verdicts, nil
}
