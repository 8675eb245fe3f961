package systest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/filelock"
	"github.com/signalnine/credo/internal/logging"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/runner"
)

// checkDir reports a FixtureNotFoundError unless dir is a directory holding
// every named file.
func checkDir(test, dir string, files ...string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &FixtureNotFoundError{Test: test, Path: dir}
	}
	for _, f := range files {
		p := filepath.Join(dir, f)
		if _, err := os.Stat(p); err != nil {
			return &FixtureNotFoundError{Test: test, Path: p}
		}
	}
	return nil
}

// regenerate runs run with its output redirected to a scratch directory and
// swaps that in as dir once the run succeeds. A lock next to dir keeps two
// processes from regenerating the same fixture.
func regenerate(ctx context.Context, jr runner.JobRunner, env *config.Environment, run *model.Run, dir string, timeout time.Duration) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	lock := filelock.New(dir + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking fixture %s: %w", dir, err)
	}
	if !ok {
		return fmt.Errorf("fixture %s is being regenerated by another process", dir)
	}
	defer lock.Unlock()

	scratch := dir + ".new"
	if err := os.RemoveAll(scratch); err != nil {
		return err
	}
	run.OutputPath = scratch
	suite := model.NewSuite(run.Name, scratch)
	if _, err := suite.AddRun(run, "fixture regeneration", nil); err != nil {
		return err
	}
	if env != nil {
		if err := suite.CheckValid(env); err != nil {
			return err
		}
	}
	logging.Info("SysTest", "regenerating fixture %s with run %s", dir, run.Name)
	if _, err := runner.RunSuite(ctx, jr, suite, runner.SuiteOpts{MaxRunTime: timeout}); err != nil {
		os.RemoveAll(scratch)
		return fmt.Errorf("regenerating fixture %s: %w", dir, err)
	}
	if d, ok := jr.(interface{ DryRun() bool }); ok && d.DryRun() {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.Rename(scratch, dir)
}

// fixtureRun builds the run that produces a reference solution, checkpointing
// the fields at the step the comparison reads.
func (b *Base) fixtureRun(testTimestep int) (*model.Run, error) {
	r, err := b.NewRun(b.Name+"-fixture", "")
	if err != nil {
		return nil, err
	}
	switch {
	case testTimestep > 0:
		r.SimParams.CPEvery = testTimestep
	case r.SimParams.NSteps > 0:
		r.SimParams.CPEvery = r.SimParams.NSteps
	default:
		r.SimParams.CPEvery = 1
	}
	return r, nil
}

// defaultFixtureDir places fixtures under expected/ in the model directory.
func defaultFixtureDir(basePath, name string) string {
	return filepath.Join(basePath, "expected", name)
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}
