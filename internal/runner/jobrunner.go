package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/freqout"
	"github.com/signalnine/credo/internal/logging"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
)

// maxPollRetries is how many consecutive failed polls BlockResult
// tolerates before giving up on a job.
const maxPollRetries = 1

// JobRunner executes runs. Submit never blocks beyond the launch itself;
// BlockResult waits for a terminal state.
type JobRunner interface {
	Submit(ctx context.Context, run *model.Run, extraOpts []string, maxRunTime time.Duration) (*Submission, error)
	BlockResult(ctx context.Context, sub *Submission) (*result.ModelResult, error)
	Terminate(ctx context.Context, sub *Submission) error
}

// Submission is a launched (or, in dry-run mode, printed) job.
type Submission struct {
	Run        *model.Run
	Meta       *result.JobMeta
	MaxRunTime time.Duration
	DryRun     bool
}

// Runner is a JobRunner that polls a Launcher.
type Runner struct {
	launcher     Launcher
	env          *config.Environment
	pollInterval time.Duration
	profilers    []Profiler
	dryRun       bool
	out          io.Writer
}

type Option func(*Runner)

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

func WithProfilers(p ...Profiler) Option {
	return func(r *Runner) { r.profilers = append(r.profilers, p...) }
}

// WithDryRun makes Submit print each command line to w instead of
// launching it.
func WithDryRun(w io.Writer) Option {
	return func(r *Runner) {
		r.dryRun = true
		r.out = w
	}
}

func New(l Launcher, env *config.Environment, opts ...Option) *Runner {
	r := &Runner{
		launcher:     l,
		env:          env,
		pollInterval: 2 * time.Second,
		profilers:    []Profiler{WallTimeProfiler{}},
		out:          io.Discard,
	}
	for _, o := range opts {
		o(r)
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 2 * time.Second
	}
	return r
}

func (r *Runner) DryRun() bool { return r.dryRun }

// CommandLine returns the full argv for run: the launcher prefix when more
// than one process is requested, then the executable and its arguments.
func (r *Runner) CommandLine(run *model.Run, extraOpts []string) ([]string, error) {
	exe, err := r.env.ResolveExecutable()
	if err != nil {
		return nil, &LaunchError{
			CmdLine: []string{r.env.Executable},
			Hint:    "set STG_EXEC or STG_BASEDIR",
			Err:     err,
		}
	}
	var argv []string
	if run.NProc > 1 {
		argv = append(argv, r.env.MPIRun, "-np", strconv.Itoa(run.NProc))
		argv = append(argv, r.env.MPIArgs...)
	}
	argv = append(argv, exe)
	argv = append(argv, run.Args()...)
	return append(argv, extraOpts...), nil
}

// Submit writes the run record, creates the output and log directories and
// hands the job to the launcher.
func (r *Runner) Submit(ctx context.Context, run *model.Run, extraOpts []string, maxRunTime time.Duration) (*Submission, error) {
	argv, err := r.CommandLine(run, extraOpts)
	if err != nil {
		return nil, err
	}
	logDir := run.LogDir()
	meta := &result.JobMeta{
		Backend:    r.launcher.Name(),
		StdoutPath: filepath.Join(logDir, run.Name+".stdout"),
		StderrPath: filepath.Join(logDir, run.Name+".stderr"),
		Platform:   map[string]string{},
		PerfData:   map[string]string{},
	}
	sub := &Submission{Run: run, Meta: meta, MaxRunTime: maxRunTime}
	if r.dryRun {
		fmt.Fprintf(r.out, "%s (in %s)\n", strings.Join(argv, " "), run.BasePath)
		sub.DryRun = true
		return sub, nil
	}

	for _, dir := range []string{run.OutputDir(), logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := run.WriteRecord(filepath.Join(run.OutputDir(), "modelRun.xml")); err != nil {
		return nil, fmt.Errorf("writing run record: %w", err)
	}

	dir := absDir(run.BasePath)
	mounts := []string{dir, run.OutputDir(), logDir}
	if cp := run.CheckpointReadDir(); cp != "" {
		mounts = append(mounts, cp)
	}
	job := &Job{
		Name:       run.Name,
		Command:    argv,
		Dir:        dir,
		StdoutPath: meta.StdoutPath,
		StderrPath: meta.StderrPath,
		Mounts:     mounts,
	}
	meta.SubmitTime = time.Now()
	handle, err := r.launcher.Submit(ctx, job)
	if err != nil {
		var le *LaunchError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &LaunchError{CmdLine: argv, Hint: launchHint(r.launcher.Name()), Err: err}
	}
	meta.ID = handle
	logging.Info("Runner", "submitted %s via %s (id %s)", run.Name, r.launcher.Name(), handle)
	return sub, nil
}

func absDir(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func launchHint(backend string) string {
	switch backend {
	case "mpi":
		return "check CREDO_MPI_RUN and that the executable is on PATH"
	case "pbs":
		return "check the batch submit command and queue settings"
	case "docker":
		return "check the Docker daemon is reachable and the image exists"
	}
	return ""
}

// BlockResult polls until the job finishes, terminating it once it runs
// past the submission's MaxRunTime (zero means no limit).
func (r *Runner) BlockResult(ctx context.Context, sub *Submission) (*result.ModelResult, error) {
	if sub.DryRun {
		return nil, ErrDryRun
	}
	run, meta := sub.Run, sub.Meta
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	failures := 0
	for {
		st, err := r.launcher.Poll(ctx, meta.ID)
		switch {
		case err != nil && ctx.Err() != nil:
			// The poll was cut short by cancellation; the select below
			// terminates the job.
		case err != nil:
			failures++
			if failures > maxPollRetries {
				return nil, fmt.Errorf("polling %s: %w", run.Name, err)
			}
			logging.Warn("Runner", "polling %s failed, retrying: %v", run.Name, err)
		case st.Done:
			meta.EndTime = time.Now()
			if st.ExitCode != 0 {
				return nil, newRunError(run.Name, st.ExitCode, meta.StdoutPath, meta.StderrPath)
			}
			return r.complete(sub)
		default:
			failures = 0
		}
		if sub.MaxRunTime > 0 && time.Since(meta.SubmitTime) > sub.MaxRunTime {
			if err := r.launcher.Terminate(context.Background(), meta.ID); err != nil {
				logging.Error("Runner", err, "terminating %s after timeout", run.Name)
			}
			return nil, &TimeoutError{RunName: run.Name, Limit: sub.MaxRunTime, StdoutPath: meta.StdoutPath, StderrPath: meta.StderrPath}
		}
		select {
		case <-ctx.Done():
			if err := r.launcher.Terminate(context.Background(), meta.ID); err != nil {
				logging.Error("Runner", err, "terminating %s after cancellation", run.Name)
			}
			return nil, fmt.Errorf("waiting for %s: %w", run.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Runner) complete(sub *Submission) (*result.ModelResult, error) {
	run, meta := sub.Run, sub.Meta
	for k, v := range Platform(run.BasePath) {
		meta.Platform[k] = v
	}
	for _, p := range r.profilers {
		if err := p.Attach(run, meta); err != nil {
			logging.Warn("Runner", "profiler %s on %s: %v", p.Name(), run.Name, err)
		}
	}
	mr := result.NewModelResult(run.Name, run.OutputDir(), meta)
	if fo, err := mr.FreqOutput(); err == nil {
		if t, err := fo.FinalTime(); err == nil {
			meta.SimTime = t
		}
	} else if !errors.Is(err, freqout.ErrNotFound) {
		logging.Warn("Runner", "reading frequent output of %s: %v", run.Name, err)
	}
	if _, err := result.WriteRecord(mr); err != nil {
		return nil, fmt.Errorf("writing result record for %s: %w", run.Name, err)
	}
	logging.Info("Runner", "%s completed in %s", run.Name, meta.WallTime().Round(time.Millisecond))
	return mr, nil
}

func (r *Runner) Terminate(ctx context.Context, sub *Submission) error {
	if sub.DryRun {
		return nil
	}
	return r.launcher.Terminate(ctx, sub.Meta.ID)
}
