package freqout

import (
	"fmt"
	"math"
)

// ReduceOp selects one row of the table from the values of the reduced
// column.
type ReduceOp struct {
	Name   string
	choose func(r *Reader, values []float64) (int, error)
}

func (op ReduceOp) String() string { return op.Name }

// Max picks the first row holding the largest value.
func Max() ReduceOp {
	return ReduceOp{Name: "max", choose: func(_ *Reader, vals []float64) (int, error) {
		best := 0
		for i, v := range vals {
			if v > vals[best] {
				best = i
			}
		}
		return best, nil
	}}
}

// Min picks the first row holding the smallest value.
func Min() ReduceOp {
	return ReduceOp{Name: "min", choose: func(_ *Reader, vals []float64) (int, error) {
		best := 0
		for i, v := range vals {
			if v < vals[best] {
				best = i
			}
		}
		return best, nil
	}}
}

func First() ReduceOp {
	return ReduceOp{Name: "first", choose: func(_ *Reader, _ []float64) (int, error) { return 0, nil }}
}

func Last() ReduceOp {
	return ReduceOp{Name: "last", choose: func(_ *Reader, vals []float64) (int, error) { return len(vals) - 1, nil }}
}

// ClosestToValue picks the row whose value is nearest target.
func ClosestToValue(target float64) ReduceOp {
	return ReduceOp{Name: fmt.Sprintf("closest-to-value(%g)", target), choose: func(_ *Reader, vals []float64) (int, error) {
		return closest(vals, target), nil
	}}
}

// ClosestToStep picks the row whose timestep is nearest step.
func ClosestToStep(step int) ReduceOp {
	return ReduceOp{Name: fmt.Sprintf("closest-to-step(%d)", step), choose: func(r *Reader, _ []float64) (int, error) {
		steps := make([]float64, len(r.steps))
		for i, s := range r.steps {
			steps[i] = float64(s)
		}
		return closest(steps, float64(step)), nil
	}}
}

// ClosestToSimTime picks the row whose simulated time is nearest t.
func ClosestToSimTime(t float64) ReduceOp {
	return ReduceOp{Name: fmt.Sprintf("closest-to-time(%g)", t), choose: func(r *Reader, _ []float64) (int, error) {
		ci, err := r.column(timeColumn)
		if err != nil {
			return 0, err
		}
		times := make([]float64, len(r.rows))
		for i, row := range r.rows {
			times[i] = row[ci]
		}
		return closest(times, t), nil
	}}
}

// closest scans linearly; ties go to the earliest row.
func closest(vals []float64, target float64) int {
	best := 0
	bestDist := math.Inf(1)
	for i, v := range vals {
		if d := math.Abs(v - target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Reduce applies op over column and returns the selected value and the
// timestep of the row it came from.
func (r *Reader) Reduce(column string, op ReduceOp) (float64, int, error) {
	vals, err := r.Column(column)
	if err != nil {
		return 0, 0, err
	}
	if len(vals) == 0 {
		return 0, 0, fmt.Errorf("%s: no data rows to reduce", r.path)
	}
	idx, err := op.choose(r, vals)
	if err != nil {
		return 0, 0, err
	}
	return vals[idx], r.steps[idx], nil
}

// ParseReduceOp maps a config name to a ReduceOp. Closest-to operations take
// their target from arg.
func ParseReduceOp(name string, arg float64) (ReduceOp, error) {
	switch name {
	case "max":
		return Max(), nil
	case "min":
		return Min(), nil
	case "first":
		return First(), nil
	case "last", "final":
		return Last(), nil
	case "closest-to-value":
		return ClosestToValue(arg), nil
	case "closest-to-step":
		return ClosestToStep(int(math.Round(arg))), nil
	case "closest-to-time":
		return ClosestToSimTime(arg), nil
	default:
		return ReduceOp{}, fmt.Errorf("unknown reduce operation %q (valid: max, min, first, last, closest-to-value, closest-to-step, closest-to-time)", name)
	}
}
