package convergence

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrLengthMismatch = errors.New("x and y differ in length")
	// ErrDegenerate is returned when every y is identical, leaving R²
	// undefined (zero total sum of squares).
	ErrDegenerate = errors.New("all y values identical, R² undefined")
)

// Fit is an ordinary least squares line y = Slope*x + Intercept.
type Fit struct {
	Slope     float64
	Intercept float64
	RSquared  float64
}

// LinearRegression fits y against x. On ErrDegenerate the slope and
// intercept are still valid; only RSquared is meaningless and left at 0.
func LinearRegression(x, y []float64) (Fit, error) {
	if len(x) != len(y) {
		return Fit{}, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(x), len(y))
	}
	if len(x) < 2 {
		return Fit{}, fmt.Errorf("need at least 2 points for a regression, got %d", len(x))
	}
	intercept, slope := stat.LinearRegression(x, y, nil, false)
	fit := Fit{Slope: slope, Intercept: intercept}

	mean := stat.Mean(y, nil)
	var ssTot float64
	for _, v := range y {
		ssTot += (v - mean) * (v - mean)
	}
	if ssTot == 0 {
		return fit, ErrDegenerate
	}
	fit.RSquared = stat.RSquared(x, y, nil, intercept, slope)
	return fit, nil
}

// DofRate is the convergence measured for one degree of freedom.
type DofRate struct {
	Slope float64
	// Correlation is sqrt(R²). The sign of the correlation is not kept.
	Correlation float64
	// Degenerate is set when the errors did not change across resolutions.
	Degenerate bool
}

// Rate regresses log10(error) against log10(length scale) per dof.
// errors is indexed [dof][run] and each series must have one entry per
// length scale.
func Rate(field string, lengthScales []float64, dofErrors [][]float64) ([]DofRate, error) {
	logLS, err := log10All(lengthScales)
	if err != nil {
		return nil, fmt.Errorf("field %s length scales: %w", field, err)
	}
	rates := make([]DofRate, len(dofErrors))
	for dof, series := range dofErrors {
		logErr, err := log10All(series)
		if err != nil {
			return nil, fmt.Errorf("field %s dof %d errors: %w", field, dof+1, err)
		}
		fit, err := LinearRegression(logLS, logErr)
		switch {
		case errors.Is(err, ErrDegenerate):
			rates[dof] = DofRate{Slope: fit.Slope, Degenerate: true}
		case err != nil:
			return nil, fmt.Errorf("field %s dof %d: %w", field, dof+1, err)
		default:
			rates[dof] = DofRate{Slope: fit.Slope, Correlation: math.Sqrt(fit.RSquared)}
		}
	}
	return rates, nil
}

func log10All(vals []float64) ([]float64, error) {
	if floats.Min(vals) <= 0 {
		return nil, fmt.Errorf("non-positive value in %v, cannot take log10", vals)
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = math.Log10(v)
	}
	return out, nil
}

// Criterion is the minimum convergence rate and correlation a field must show.
type Criterion struct {
	Rate        float64 `yaml:"rate" xml:"rate,attr"`
	Correlation float64 `yaml:"correlation" xml:"correlation,attr"`
}

// Verdict is the outcome of checking one field's dof rates.
type Verdict struct {
	Field   string
	Passed  bool
	Skipped bool
	Rates   []DofRate
	Detail  string
}

// MeetsRequirement checks every dof against c. A dof fails if its slope or
// correlation is below the threshold; values exactly at the threshold pass.
func MeetsRequirement(field string, rates []DofRate, c Criterion) Verdict {
	v := Verdict{Field: field, Passed: true, Rates: rates}
	var failed []string
	for dof, r := range rates {
		if r.Slope < c.Rate || r.Correlation < c.Correlation {
			v.Passed = false
			failed = append(failed, fmt.Sprintf("dof %d (rate %.4g, correlation %.4g)", dof+1, r.Slope, r.Correlation))
		}
	}
	if v.Passed {
		v.Detail = fmt.Sprintf("field %s converging at required rate %g with correlation %g in all %d dofs", field, c.Rate, c.Correlation, len(rates))
	} else {
		v.Detail = fmt.Sprintf("field %s below required rate %g / correlation %g: %s", field, c.Rate, c.Correlation, strings.Join(failed, "; "))
	}
	return v
}
