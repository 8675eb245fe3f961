package runner

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrDryRun is returned for operations that need a launched job when the
// runner only prints commands.
var ErrDryRun = errors.New("dry run: job not launched")

// TailLines is how many trailing output lines a RunError carries.
const TailLines = 20

// LaunchError means the job could not be started at all.
type LaunchError struct {
	CmdLine []string
	Hint    string
	Err     error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launching %q: %v", strings.Join(e.CmdLine, " "), e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// RunError means the job ran and exited nonzero.
type RunError struct {
	RunName    string
	ExitCode   int
	StdoutPath string
	StderrPath string
	// Tail holds the last TailLines lines of stderr, or of stdout when
	// stderr was empty.
	Tail []string
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s exited with code %d (stdout %s, stderr %s)", e.RunName, e.ExitCode, e.StdoutPath, e.StderrPath)
	if len(e.Tail) > 0 {
		b.WriteString("\n--- last output ---\n")
		b.WriteString(strings.Join(e.Tail, "\n"))
	}
	return b.String()
}

// TimeoutError means the job exceeded its time limit and was terminated.
// The logs it points at may be partial.
type TimeoutError struct {
	RunName    string
	Limit      time.Duration
	StdoutPath string
	StderrPath string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded time limit %s and was terminated (stdout %s, stderr %s)", e.RunName, e.Limit, e.StdoutPath, e.StderrPath)
}

// tailFile returns up to n trailing lines of path. Missing files give nil.
func tailFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[1:], sc.Text())
		} else {
			ring = append(ring, sc.Text())
		}
	}
	return ring
}

func newRunError(name string, code int, stdout, stderr string) *RunError {
	tail := tailFile(stderr, TailLines)
	if len(tail) == 0 {
		tail = tailFile(stdout, TailLines)
	}
	return &RunError{RunName: name, ExitCode: code, StdoutPath: stdout, StderrPath: stderr, Tail: tail}
}
