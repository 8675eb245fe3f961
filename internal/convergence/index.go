// Package convergence indexes the per-field error tables ("convergence
// files") a run writes and analyses how those errors shrink as resolution
// increases.
package convergence

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FileExt is the extension of convergence files in a run's output directory.
const FileExt = ".cvg"

const headerMarker = "#"

// Entry locates one field's error columns inside a convergence file.
type Entry struct {
	Field string
	Path  string
	// DofColumns maps zero-based dof index to column index in the file.
	DofColumns map[int]int
}

// NumDofs returns the number of degrees of freedom recorded for the field.
func (e Entry) NumDofs() int { return len(e.DofColumns) }

// Index maps field names to their convergence file entries for one run.
type Index map[string]Entry

// FieldNotIndexedError is returned when a field has no convergence columns.
type FieldNotIndexedError struct {
	Field     string
	Dir       string
	Available []string
}

func (e *FieldNotIndexedError) Error() string {
	avail := "none"
	if len(e.Available) > 0 {
		avail = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf("field %q not found in convergence files under %s (indexed fields: %s)", e.Field, e.Dir, avail)
}

var dofSuffix = regexp.MustCompile(`^(.*?[^0-9])([0-9]+)$`)

// BuildIndex scans dir for convergence files and indexes every
// <FieldName><dof+1> column found in their headers.
func BuildIndex(dir string) (Index, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+FileExt))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(matches)
	idx := Index{}
	for _, path := range matches {
		headers, err := readHeader(path)
		if err != nil {
			return nil, err
		}
		for col, name := range headers {
			m := dofSuffix.FindStringSubmatch(name)
			if m == nil {
				continue
			}
			field := m[1]
			dof, _ := strconv.Atoi(m[2])
			if dof < 1 {
				return nil, fmt.Errorf("%s: column %q has dof suffix 0, suffixes are one-based", path, name)
			}
			entry, ok := idx[field]
			if !ok {
				entry = Entry{Field: field, Path: path, DofColumns: map[int]int{}}
			} else if entry.Path != path {
				return nil, fmt.Errorf("field %s appears in both %s and %s", field, entry.Path, path)
			}
			entry.DofColumns[dof-1] = col
			idx[field] = entry
		}
	}
	return idx, nil
}

// Fields returns the indexed field names, sorted.
func (idx Index) Fields() []string {
	names := make([]string, 0, len(idx))
	for k := range idx {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the entry for field, or a FieldNotIndexedError listing what
// was indexed. dir is only used in the error message.
func (idx Index) Lookup(field, dir string) (Entry, error) {
	e, ok := idx[field]
	if !ok {
		return Entry{}, &FieldNotIndexedError{Field: field, Dir: dir, Available: idx.Fields()}
	}
	return e, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening convergence file: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, headerMarker) {
			fields := strings.Fields(strings.TrimPrefix(line, headerMarker))
			if len(fields) == 0 || strings.HasSuffix(fields[0], ":") {
				// metadata comment, e.g. "# lengthScale: 0.05"
				continue
			}
			return fields, nil
		}
		if line != "" {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return nil, fmt.Errorf("%s: missing header row", path)
}

// readRows returns every data row. Header and metadata lines, including the
// duplicate headers a restarted run appends, are skipped.
func readRows(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening convergence file: %w", err)
	}
	defer f.Close()
	var rows [][]float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, headerMarker) {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rows, nil
}

// Steps selects which data rows to read. The zero value selects all rows.
type Steps struct {
	// Start and End are data-row indices, End exclusive. End <= 0 means
	// through the last row.
	Start, End int
}

var AllSteps = Steps{}

var ErrNoData = errors.New("convergence file has no data rows")

// LastDofErrors returns the per-dof errors from the final data row.
func LastDofErrors(e Entry) ([]float64, error) {
	rows, err := readRows(e.Path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", e.Path, ErrNoData)
	}
	return dofValues(e, rows[len(rows)-1])
}

// DofErrorSeries returns one error time series per dof over the selected rows.
func DofErrorSeries(e Entry, steps Steps) ([][]float64, error) {
	rows, err := readRows(e.Path)
	if err != nil {
		return nil, err
	}
	end := steps.End
	if end <= 0 || end > len(rows) {
		end = len(rows)
	}
	if steps.Start < 0 || steps.Start > end {
		return nil, fmt.Errorf("%s: step range [%d,%d) outside %d data rows", e.Path, steps.Start, steps.End, len(rows))
	}
	series := make([][]float64, e.NumDofs())
	for _, row := range rows[steps.Start:end] {
		vals, err := dofValues(e, row)
		if err != nil {
			return nil, err
		}
		for d, v := range vals {
			series[d] = append(series[d], v)
		}
	}
	return series, nil
}

func dofValues(e Entry, row []float64) ([]float64, error) {
	out := make([]float64, e.NumDofs())
	for dof := 0; dof < e.NumDofs(); dof++ {
		col, ok := e.DofColumns[dof]
		if !ok {
			return nil, fmt.Errorf("%s: field %s has no column for dof %d", e.Path, e.Field, dof+1)
		}
		if col >= len(row) {
			return nil, fmt.Errorf("%s: row has %d columns, field %s dof %d needs column %d", e.Path, len(row), e.Field, dof+1, col+1)
		}
		out[dof] = row[col]
	}
	return out, nil
}
