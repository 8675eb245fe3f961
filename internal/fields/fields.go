// Package fields configures and reads back per-field error comparisons
// against an analytic, reference or high-resolution reference solution.
package fields

import (
	"fmt"
	"strings"

	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/result"
)

// Mode selects what a field is compared against.
type Mode int

const (
	Analytic Mode = iota
	Reference
	HighResReference
)

func (m Mode) String() string {
	switch m {
	case Reference:
		return "reference"
	case HighResReference:
		return "highResReference"
	default:
		return "analytic"
	}
}

// Op is the immutable comparison setup for one field.
type Op struct {
	Field         string
	Mode          Mode
	ReferencePath string
	TestTimestep  int
}

// Result is the per-dof error of one field in one run.
type Result struct {
	Field     string
	DofErrors []float64
}

// WithinTolerance reports whether every dof error is at most tol.
func (r *Result) WithinTolerance(tol float64) bool {
	for _, e := range r.DofErrors {
		if e > tol {
			return false
		}
	}
	return true
}

// FailedDofs returns the one-based dof numbers whose error exceeds tol.
func (r *Result) FailedDofs(tol float64) []int {
	var out []int
	for i, e := range r.DofErrors {
		if e > tol {
			out = append(out, i+1)
		}
	}
	return out
}

func (r *Result) String() string {
	parts := make([]string, len(r.DofErrors))
	for i, e := range r.DofErrors {
		parts[i] = fmt.Sprintf("%.4g", e)
	}
	return fmt.Sprintf("%s [%s]", r.Field, strings.Join(parts, ", "))
}

// GetResult reads the field's final-step dof errors from the run's
// convergence files. The error names the fields that were compared when
// this one was not.
func (op Op) GetResult(mr *result.ModelResult) (*Result, error) {
	idx, err := convergence.BuildIndex(mr.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("indexing %s output: %w", mr.ModelName, err)
	}
	entry, err := idx.Lookup(op.Field, mr.OutputPath)
	if err != nil {
		return nil, err
	}
	errs, err := convergence.LastDofErrors(entry)
	if err != nil {
		return nil, err
	}
	return &Result{Field: op.Field, DofErrors: errs}, nil
}

// List is the set of fields compared in a run, sharing one mode and
// reference. When FromConfig is set the field names are read from the
// model's own input files instead of being listed here.
type List struct {
	Mode          Mode
	ReferencePath string
	TestTimestep  int
	FromConfig    bool

	names []string
	// pairs are the (field, expected-field) names written to the analysis
	// configuration.
	pairs [][2]string
}

// NewList returns a list for the named fields, or a from-config list when
// no names are given.
func NewList(mode Mode, names ...string) *List {
	l := &List{Mode: mode, FromConfig: len(names) == 0}
	for _, n := range names {
		l.Add(n)
	}
	return l
}

// Add appends a field, ignoring duplicates.
func (l *List) Add(name string) {
	for _, n := range l.names {
		if n == name {
			return
		}
	}
	l.names = append(l.names, name)
	expected := name
	if l.Mode == Analytic {
		expected = "Analytic" + name
	}
	l.pairs = append(l.pairs, [2]string{name, expected})
}

// Fields returns the field names in insertion order.
func (l *List) Fields() []string {
	return append([]string(nil), l.names...)
}

// Ops returns one Op per field.
func (l *List) Ops() []Op {
	ops := make([]Op, len(l.names))
	for i, n := range l.names {
		ops[i] = Op{Field: n, Mode: l.Mode, ReferencePath: l.ReferencePath, TestTimestep: l.TestTimestep}
	}
	return ops
}

// Results reads every field's result from mr, stopping at the first field
// that cannot be read.
func (l *List) Results(mr *result.ModelResult) ([]*Result, error) {
	out := make([]*Result, 0, len(l.names))
	for _, op := range l.Ops() {
		r, err := op.GetResult(mr)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
