package model

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/logging"
)

// Suite is an ordered family of runs. Runs, descriptions, custom options and
// dependencies are kept in lock-step and only grow through AddRun.
type Suite struct {
	Name       string
	OutputPath string

	runs       []*Run
	descs      []string
	customOpts [][]string
	deps       [][]int
}

func NewSuite(name, outputPath string) *Suite {
	return &Suite{Name: name, OutputPath: outputPath}
}

// AddRun appends run and returns its index. deps name earlier runs that must
// complete before this one starts.
func (s *Suite) AddRun(run *Run, desc string, customOpts []string, deps ...int) (int, error) {
	if run == nil {
		return -1, &ConfigError{Reason: "nil run"}
	}
	for _, other := range s.runs {
		if other.Name == run.Name {
			return -1, &ConfigError{Run: run.Name, Reason: "duplicate run name in suite " + s.Name}
		}
	}
	idx := len(s.runs)
	for _, d := range deps {
		if d < 0 || d >= idx {
			return -1, &ConfigError{Run: run.Name, Reason: fmt.Sprintf("dependency index %d must refer to an earlier run (0..%d)", d, idx-1)}
		}
	}
	s.runs = append(s.runs, run)
	s.descs = append(s.descs, desc)
	s.customOpts = append(s.customOpts, append([]string(nil), customOpts...))
	s.deps = append(s.deps, append([]int(nil), deps...))
	return idx, nil
}

// truncate drops every run from index n on.
func (s *Suite) truncate(n int) {
	s.runs = s.runs[:n]
	s.descs = s.descs[:n]
	s.customOpts = s.customOpts[:n]
	s.deps = s.deps[:n]
}

func (s *Suite) Len() int                  { return len(s.runs) }
func (s *Suite) Run(i int) *Run            { return s.runs[i] }
func (s *Suite) Description(i int) string  { return s.descs[i] }
func (s *Suite) CustomOpts(i int) []string { return s.customOpts[i] }
func (s *Suite) Deps(i int) []int          { return s.deps[i] }

// Runs returns a copy of the run list.
func (s *Suite) Runs() []*Run {
	return append([]*Run(nil), s.runs...)
}

// CheckValid validates every run in the suite.
func (s *Suite) CheckValid(env *config.Environment) error {
	if len(s.runs) == 0 {
		return &ConfigError{Reason: fmt.Sprintf("suite %s has no runs", s.Name)}
	}
	for _, r := range s.runs {
		if err := r.CheckValid(env); err != nil {
			return err
		}
	}
	return nil
}

// CombineMode selects how variant value lists are combined.
type CombineMode int

const (
	Product CombineMode = iota
	Zip
)

func ParseCombineMode(s string) (CombineMode, error) {
	switch s {
	case "", "product":
		return Product, nil
	case "zip":
		return Zip, nil
	}
	return Product, fmt.Errorf("unknown combine mode %q (allowed: product, zip)", s)
}

func (m CombineMode) String() string {
	if m == Zip {
		return "zip"
	}
	return "product"
}

// Variant sweeps one parameter over a list of values.
type Variant struct {
	// Name labels the variant in generated directory names.
	Name   string
	Param  string
	Values []ParamValue
}

// Assignment is one variant value chosen for a generated run.
type Assignment struct {
	Variant string
	Param   string
	Value   ParamValue
}

// Namer derives a run's output subdirectory from its index and assignments.
type Namer func(index int, assigned []Assignment) string

// DefaultNamer joins name-value pairs, e.g. "res-32_visc-1".
func DefaultNamer(_ int, assigned []Assignment) string {
	parts := make([]string, len(assigned))
	for i, a := range assigned {
		parts[i] = a.Variant + "-" + sanitize(a.Value.String())
	}
	return strings.Join(parts, "_")
}

// IndexNamer names runs "run-<index>".
func IndexNamer(index int, _ []Assignment) string {
	return fmt.Sprintf("run-%d", index)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, s)
}

// Combinations expands variants into per-run assignments. Zip over lists of
// unequal length truncates to the shortest and logs a warning.
func Combinations(variants []Variant, mode CombineMode) [][]Assignment {
	if len(variants) == 0 {
		return nil
	}
	switch mode {
	case Zip:
		n := len(variants[0].Values)
		uneven := false
		for _, v := range variants[1:] {
			if len(v.Values) != n {
				uneven = true
			}
			if len(v.Values) < n {
				n = len(v.Values)
			}
		}
		if uneven {
			logging.Warn("Model", "zip over variants of unequal length, truncating to %d combinations", n)
		}
		out := make([][]Assignment, n)
		for i := 0; i < n; i++ {
			for _, v := range variants {
				out[i] = append(out[i], Assignment{Variant: v.Name, Param: v.Param, Value: v.Values[i]})
			}
		}
		return out
	default:
		out := [][]Assignment{nil}
		for _, v := range variants {
			var next [][]Assignment
			for _, prefix := range out {
				for _, val := range v.Values {
					combo := append(append([]Assignment(nil), prefix...), Assignment{Variant: v.Name, Param: v.Param, Value: val})
					next = append(next, combo)
				}
			}
			out = next
		}
		return out
	}
}

// GenerateRuns clones template once per variant combination and adds each
// clone to the suite, with its output under the suite output path. It
// returns the new run indices. Either every combination is added or, on
// error, none is.
func (s *Suite) GenerateRuns(template *Run, variants []Variant, mode CombineMode, namer Namer) ([]int, error) {
	if template == nil {
		return nil, &ConfigError{Reason: "nil template run"}
	}
	if namer == nil {
		namer = DefaultNamer
	}
	combos := Combinations(variants, mode)
	if len(combos) == 0 {
		return nil, &ConfigError{Run: template.Name, Reason: "variants produced no combinations"}
	}
	n := len(s.runs)
	var indices []int
	for i, combo := range combos {
		sub := namer(i, combo)
		overrides := make(map[string]ParamValue, len(combo))
		var desc []string
		for _, a := range combo {
			overrides[a.Param] = a.Value
			desc = append(desc, fmt.Sprintf("%s=%s", a.Param, a.Value))
		}
		run, err := template.CloneWith(template.Name+"-"+sub, filepath.Join(s.OutputPath, sub), overrides)
		if err != nil {
			s.truncate(n)
			return nil, err
		}
		idx, err := s.AddRun(run, strings.Join(desc, ", "), nil)
		if err != nil {
			s.truncate(n)
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, nil
}
