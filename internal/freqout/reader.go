// Package freqout reads the periodic scalar-observable log ("FrequentOutput")
// that a simulation writes into its output directory.
package freqout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultFilename is the name the simulation gives its frequent output log.
const DefaultFilename = "FrequentOutput.dat"

const (
	headerMarker = "#"
	stepColumn   = "Timestep"
	timeColumn   = "Time"
)

var ErrNotFound = errors.New("frequent output file not found")

// StepNotFoundError reports a timestep outside the rows that were logged.
type StepNotFoundError struct {
	Step     int
	Min, Max int
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("timestep %d not in frequent output (valid range %d to %d)", e.Step, e.Min, e.Max)
}

// ColumnNotFoundError reports an unknown column header.
type ColumnNotFoundError struct {
	Column    string
	Available []string
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("column %q not in frequent output (columns: %s)", e.Column, strings.Join(e.Available, ", "))
}

// OpenFunc opens the backing file. Tests substitute it to count reads.
type OpenFunc func(path string) (io.ReadCloser, error)

type Option func(*Reader)

func WithOpenFunc(fn OpenFunc) Option {
	return func(r *Reader) { r.open = fn }
}

// Reader gives random access into a frequent output table. The file is parsed
// at most once, on the first call that needs data.
type Reader struct {
	path      string
	open      OpenFunc
	populated bool
	headers   []string
	colIdx    map[string]int
	rows      [][]float64
	stepRow   map[int]int
	steps     []int
}

// Open returns a reader for path, failing with ErrNotFound if no file exists.
func Open(path string, opts ...Option) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat frequent output: %w", err)
	}
	r := &Reader{
		path: path,
		open: func(p string) (io.ReadCloser, error) { return os.Open(p) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OpenDir opens the frequent output file inside a run's output directory.
func OpenDir(outputDir string, opts ...Option) (*Reader, error) {
	return Open(filepath.Join(outputDir, DefaultFilename), opts...)
}

func (r *Reader) Path() string { return r.path }

// Populate parses the file. Calling it again is a no-op.
func (r *Reader) Populate() error {
	if r.populated {
		return nil
	}
	f, err := r.open(r.path)
	if err != nil {
		return fmt.Errorf("opening frequent output: %w", err)
	}
	defer f.Close()

	var (
		headers []string
		rows    [][]float64
		stepRow = map[int]int{}
		steps   []int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, headerMarker) {
			// Restarted runs append a second header; only the first counts.
			if headers == nil {
				headers = strings.Fields(strings.TrimPrefix(line, headerMarker))
			}
			continue
		}
		if headers == nil {
			return fmt.Errorf("%s:%d: data row before header", r.path, lineNo)
		}
		fields := strings.Fields(line)
		if len(fields) != len(headers) {
			return fmt.Errorf("%s:%d: %d values for %d columns", r.path, lineNo, len(fields), len(headers))
		}
		row := make([]float64, len(fields))
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("%s:%d: column %s: %w", r.path, lineNo, headers[i], err)
			}
			row[i] = v
		}
		step := int(math.Round(row[0]))
		if float64(step) != row[0] {
			return fmt.Errorf("%s:%d: timestep %v is not an integer", r.path, lineNo, row[0])
		}
		stepRow[step] = len(rows)
		steps = append(steps, step)
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading frequent output: %w", err)
	}
	if headers == nil {
		return fmt.Errorf("%s: no header row", r.path)
	}

	r.headers = headers
	r.colIdx = make(map[string]int, len(headers))
	for i, h := range headers {
		r.colIdx[h] = i
	}
	r.rows = rows
	r.stepRow = stepRow
	r.steps = steps
	r.populated = true
	return nil
}

// Headers returns the column names in file order.
func (r *Reader) Headers() ([]string, error) {
	if err := r.Populate(); err != nil {
		return nil, err
	}
	return append([]string(nil), r.headers...), nil
}

// Timesteps returns the logged timesteps in file order.
func (r *Reader) Timesteps() ([]int, error) {
	if err := r.Populate(); err != nil {
		return nil, err
	}
	return append([]int(nil), r.steps...), nil
}

func (r *Reader) column(name string) (int, error) {
	idx, ok := r.colIdx[name]
	if !ok {
		return 0, &ColumnNotFoundError{Column: name, Available: append([]string(nil), r.headers...)}
	}
	return idx, nil
}

func (r *Reader) stepRange() (int, int) {
	if len(r.steps) == 0 {
		return 0, 0
	}
	lo, hi := r.steps[0], r.steps[0]
	for _, s := range r.steps {
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return lo, hi
}

// ValueAt returns the value of column at the given timestep.
func (r *Reader) ValueAt(step int, column string) (float64, error) {
	if err := r.Populate(); err != nil {
		return 0, err
	}
	ci, err := r.column(column)
	if err != nil {
		return 0, err
	}
	ri, ok := r.stepRow[step]
	if !ok {
		lo, hi := r.stepRange()
		return 0, &StepNotFoundError{Step: step, Min: lo, Max: hi}
	}
	return r.rows[ri][ci], nil
}

// Column returns every value logged for column, in file order.
func (r *Reader) Column(column string) ([]float64, error) {
	if err := r.Populate(); err != nil {
		return nil, err
	}
	ci, err := r.column(column)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(r.rows))
	for i, row := range r.rows {
		out[i] = row[ci]
	}
	return out, nil
}

// FinalStep returns the timestep of the last data row.
func (r *Reader) FinalStep() (int, error) {
	if err := r.Populate(); err != nil {
		return 0, err
	}
	if len(r.steps) == 0 {
		return 0, fmt.Errorf("%s: no data rows", r.path)
	}
	return r.steps[len(r.steps)-1], nil
}

// FinalTime returns the simulated time of the last data row.
func (r *Reader) FinalTime() (float64, error) {
	vals, err := r.Column(timeColumn)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("%s: no data rows", r.path)
	}
	return vals[len(vals)-1], nil
}

func (r *Reader) Max(column string) (float64, int, error) { return r.Reduce(column, Max()) }
func (r *Reader) Min(column string) (float64, int, error) { return r.Reduce(column, Min()) }
