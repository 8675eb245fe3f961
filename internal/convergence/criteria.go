package convergence

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Criteria maps field names to the convergence they are required to show.
type Criteria map[string]Criterion

// DefaultCriteria holds the customary requirements for the standard
// velocity and pressure fields.
func DefaultCriteria() Criteria {
	return Criteria{
		"VelocityField": {Rate: 1.6, Correlation: 0.99},
		"PressureField": {Rate: 0.9, Correlation: 0.99},
	}
}

// LoadCriteria reads a YAML mapping of field name to {rate, correlation}.
func LoadCriteria(path string) (Criteria, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading criteria file: %w", err)
	}
	var c Criteria
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing criteria file: %w", err)
	}
	for field, crit := range c {
		if crit.Correlation < 0 || crit.Correlation > 1 {
			return nil, fmt.Errorf("criteria file %s: field %s: correlation %g outside [0,1]", path, field, crit.Correlation)
		}
	}
	return c, nil
}

// Merge returns a copy of c with the entries of other layered on top.
func (c Criteria) Merge(other Criteria) Criteria {
	out := make(Criteria, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (c Criteria) Fields() []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
