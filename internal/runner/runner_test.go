package runner_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
	"github.com/signalnine/credo/internal/runner"
)

// fakeLauncher finishes each job after a fixed number of polls with the
// exit code configured for its name.
type fakeLauncher struct {
	mu          sync.Mutex
	pollsToDone int
	never       bool
	codes       map[string]int
	submitErr   error
	onSubmit    func(job *runner.Job)
	pollErrs    int
	onPoll      func()

	next       int
	jobs       map[string]*runner.Job
	polls      map[string]int
	order      []string
	terminated []string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{codes: map[string]int{}, jobs: map[string]*runner.Job{}, polls: map[string]int{}}
}

func (f *fakeLauncher) Name() string { return "fake" }

func (f *fakeLauncher) Submit(_ context.Context, job *runner.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.next++
	h := fmt.Sprintf("job-%d", f.next)
	f.jobs[h] = job
	f.order = append(f.order, "submit:"+job.Name)
	if f.onSubmit != nil {
		f.onSubmit(job)
	}
	return h, nil
}

func (f *fakeLauncher) Poll(_ context.Context, h string) (runner.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[h]
	if !ok {
		return runner.Status{}, fmt.Errorf("unknown handle %s", h)
	}
	if f.onPoll != nil {
		f.onPoll()
	}
	if f.pollErrs > 0 {
		f.pollErrs--
		return runner.Status{}, errors.New("qstat: connection refused")
	}
	if f.never {
		return runner.Status{}, nil
	}
	f.polls[h]++
	if f.polls[h] < f.pollsToDone {
		return runner.Status{}, nil
	}
	f.order = append(f.order, "done:"+job.Name)
	return runner.Status{Done: true, ExitCode: f.codes[job.Name]}, nil
}

func (f *fakeLauncher) Terminate(_ context.Context, h string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, f.jobs[h].Name)
	return nil
}

func testEnv(t *testing.T) *config.Environment {
	t.Helper()
	exe := filepath.Join(t.TempDir(), "StGermain")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	return &config.Environment{Executable: exe, MPIRun: "mpirun"}
}

func testRun(t *testing.T, base, name string) *model.Run {
	t.Helper()
	params := model.NewSimParams()
	params.NSteps = 2
	r, err := model.NewRun(name, []string{"Model.xml"}, filepath.Join("out", name), params, nil)
	require.NoError(t, err)
	r.BasePath = base
	return r
}

func TestCommandLine(t *testing.T) {
	env := testEnv(t)
	env.MPIArgs = []string{"--oversubscribe"}
	jr := runner.New(newFakeLauncher(), env)
	run := testRun(t, "/models", "a")

	argv, err := jr.CommandLine(run, []string{"--extra=1"})
	require.NoError(t, err)
	assert.Equal(t, env.Executable, argv[0], "single process runs skip the MPI launcher")
	assert.Equal(t, "--extra=1", argv[len(argv)-1])

	run.NProc = 4
	argv, err = jr.CommandLine(run, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mpirun", "-np", "4", "--oversubscribe", env.Executable}, argv[:5])
}

func TestBlockResultSuccess(t *testing.T) {
	base := t.TempDir()
	fl := newFakeLauncher()
	fl.pollsToDone = 2
	fl.onSubmit = func(job *runner.Job) {
		out := filepath.Join(base, "out", job.Name)
		os.WriteFile(filepath.Join(out, "FrequentOutput.dat"), []byte("# Timestep Time\n1 0.5\n2 1.25\n"), 0o644)
	}
	jr := runner.New(fl, testEnv(t), runner.WithPollInterval(time.Millisecond), runner.WithProfilers(runner.OutputSizeProfiler{}))
	run := testRun(t, base, "a")

	sub, err := jr.Submit(context.Background(), run, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "job-1", sub.Meta.ID)
	mr, err := jr.BlockResult(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, run.OutputDir(), mr.OutputPath)
	assert.Equal(t, 1.25, mr.JobMeta.SimTime)
	assert.Contains(t, mr.JobMeta.PerfData, "wallTime")
	assert.Contains(t, mr.JobMeta.PerfData, "outputBytes")
	assert.Equal(t, "fake", mr.JobMeta.Backend)
	assert.FileExists(t, filepath.Join(run.OutputDir(), "modelRun.xml"))
	assert.FileExists(t, filepath.Join(run.OutputDir(), result.RecordFilename))
}

func TestBlockResultRunError(t *testing.T) {
	base := t.TempDir()
	fl := newFakeLauncher()
	fl.codes["a"] = 3
	fl.onSubmit = func(job *runner.Job) {
		var lines []string
		for i := 0; i < 30; i++ {
			lines = append(lines, fmt.Sprintf("line %d", i))
		}
		os.WriteFile(job.StderrPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
	}
	jr := runner.New(fl, testEnv(t), runner.WithPollInterval(time.Millisecond))
	sub, err := jr.Submit(context.Background(), testRun(t, base, "a"), nil, 0)
	require.NoError(t, err)
	_, err = jr.BlockResult(context.Background(), sub)

	var re *runner.RunError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, 3, re.ExitCode)
	require.Len(t, re.Tail, runner.TailLines)
	assert.Equal(t, "line 29", re.Tail[runner.TailLines-1])
	assert.Equal(t, sub.Meta.StderrPath, re.StderrPath)
}

func TestBlockResultTimeout(t *testing.T) {
	fl := newFakeLauncher()
	fl.never = true
	jr := runner.New(fl, testEnv(t), runner.WithPollInterval(time.Millisecond))
	sub, err := jr.Submit(context.Background(), testRun(t, t.TempDir(), "slow"), nil, 20*time.Millisecond)
	require.NoError(t, err)
	_, err = jr.BlockResult(context.Background(), sub)

	var te *runner.TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, []string{"slow"}, fl.terminated)
	assert.NotEmpty(t, te.StdoutPath)
}

func TestBlockResultRetriesFailedPoll(t *testing.T) {
	fl := newFakeLauncher()
	fl.pollErrs = 1
	jr := runner.New(fl, testEnv(t), runner.WithPollInterval(time.Millisecond))
	sub, err := jr.Submit(context.Background(), testRun(t, t.TempDir(), "a"), nil, 0)
	require.NoError(t, err)
	_, err = jr.BlockResult(context.Background(), sub)
	require.NoError(t, err, "a single failed poll is retried")

	fl = newFakeLauncher()
	fl.pollErrs = 2
	jr = runner.New(fl, testEnv(t), runner.WithPollInterval(time.Millisecond))
	sub, err = jr.Submit(context.Background(), testRun(t, t.TempDir(), "b"), nil, 0)
	require.NoError(t, err)
	_, err = jr.BlockResult(context.Background(), sub)
	assert.ErrorContains(t, err, "polling b")
	assert.Empty(t, fl.terminated)
}

func TestBlockResultPollErrorOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fl := newFakeLauncher()
	fl.never = true
	fl.pollErrs = 10
	fl.onPoll = cancel
	jr := runner.New(fl, testEnv(t), runner.WithPollInterval(time.Hour))
	sub, err := jr.Submit(context.Background(), testRun(t, t.TempDir(), "a"), nil, 0)
	require.NoError(t, err)

	_, err = jr.BlockResult(ctx, sub)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, fl.terminated, "cancelled job is terminated even when the poll failed")
}

func TestSubmitRelativeBasePath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	fl := newFakeLauncher()
	var job *runner.Job
	fl.onSubmit = func(j *runner.Job) { job = j }
	jr := runner.New(fl, testEnv(t))

	_, err := jr.Submit(context.Background(), testRun(t, ".", "rel"), nil, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.True(t, filepath.IsAbs(job.Dir), "job dir %q", job.Dir)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, cwd, job.Dir)

	script, err := runner.RenderScript(job, config.BatchOptions{}, filepath.Join(cwd, "rel.exit"))
	require.NoError(t, err)
	assert.Contains(t, script, "cd '"+cwd+"'")
	assert.NotContains(t, script, "cd '.'")
}

func TestSubmitLaunchError(t *testing.T) {
	fl := newFakeLauncher()
	fl.submitErr = errors.New("exec: mpirun: not found")
	jr := runner.New(fl, testEnv(t))
	_, err := jr.Submit(context.Background(), testRun(t, t.TempDir(), "a"), nil, 0)
	var le *runner.LaunchError
	require.True(t, errors.As(err, &le), "got %v", err)
	assert.NotEmpty(t, le.CmdLine)

	missing := &config.Environment{Executable: "/nonexistent/StGermain"}
	_, err = runner.New(fl, missing).Submit(context.Background(), testRun(t, t.TempDir(), "b"), nil, 0)
	assert.True(t, errors.As(err, &le), "unresolvable executable is a launch error, got %v", err)
}

func TestDryRun(t *testing.T) {
	var buf bytes.Buffer
	fl := newFakeLauncher()
	jr := runner.New(fl, testEnv(t), runner.WithDryRun(&buf))
	base := t.TempDir()
	sub, err := jr.Submit(context.Background(), testRun(t, base, "a"), nil, 0)
	require.NoError(t, err)
	assert.True(t, sub.DryRun)
	assert.Contains(t, buf.String(), "--maxTimeSteps=2")
	_, err = jr.BlockResult(context.Background(), sub)
	assert.ErrorIs(t, err, runner.ErrDryRun)
	assert.Empty(t, fl.order, "dry run must not launch")
	assert.NoDirExists(t, filepath.Join(base, "out"))
}

func buildSuite(t *testing.T, base string) *model.Suite {
	s := model.NewSuite("s", "out")
	a, err := s.AddRun(testRun(t, base, "initial"), "initial", nil)
	require.NoError(t, err)
	_, err = s.AddRun(testRun(t, base, "restart"), "restart", nil, a)
	require.NoError(t, err)
	_, err = s.AddRun(testRun(t, base, "other"), "other", nil)
	require.NoError(t, err)
	return s
}

func TestRunSuiteModesAgree(t *testing.T) {
	var names [2][]string
	for i, nonBlocking := range []bool{false, true} {
		fl := newFakeLauncher()
		jr := runner.New(fl, testEnv(t), runner.WithPollInterval(time.Millisecond))
		results, err := runner.RunSuite(context.Background(), jr, buildSuite(t, t.TempDir()), runner.SuiteOpts{NonBlocking: nonBlocking})
		require.NoError(t, err)
		for _, mr := range results {
			names[i] = append(names[i], mr.ModelName)
		}
		if nonBlocking {
			// restart depends on initial, so initial completes before restart is submitted.
			assert.Equal(t, []string{"submit:initial", "done:initial", "submit:restart", "submit:other", "done:restart", "done:other"}, fl.order)
		} else {
			assert.Equal(t, []string{"submit:initial", "done:initial", "submit:restart", "done:restart", "submit:other", "done:other"}, fl.order)
		}
	}
	assert.Equal(t, names[0], names[1])
	assert.Equal(t, []string{"initial", "restart", "other"}, names[0])
}

func TestRunSuiteAbortKeepsPartialResults(t *testing.T) {
	fl := newFakeLauncher()
	fl.codes["restart"] = 1
	jr := runner.New(fl, testEnv(t), runner.WithPollInterval(time.Millisecond))
	results, err := runner.RunSuite(context.Background(), jr, buildSuite(t, t.TempDir()), runner.SuiteOpts{NonBlocking: true})

	var re *runner.RunError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, "restart", re.RunName)
	require.Len(t, results, 3)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.Nil(t, results[2])
	assert.Equal(t, []string{"other"}, fl.terminated, "outstanding runs are terminated on abort")
}
