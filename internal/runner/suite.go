package runner

import (
	"context"
	"errors"
	"time"

	"github.com/signalnine/credo/internal/logging"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
)

// SuiteOpts control RunSuite.
type SuiteOpts struct {
	// NonBlocking submits every run before waiting on any, except that a
	// run's dependencies are waited on before it is submitted.
	NonBlocking bool
	MaxRunTime  time.Duration
}

// RunSuite executes every run in suite order. Results are indexed like the
// suite. On the first error the remaining runs are abandoned (and, in
// non-blocking mode, terminated) and the results gathered so far are
// returned with the error; uncollected entries are nil. In dry-run mode
// every command is printed and the results are all nil.
func RunSuite(ctx context.Context, jr JobRunner, suite *model.Suite, opts SuiteOpts) ([]*result.ModelResult, error) {
	n := suite.Len()
	results := make([]*result.ModelResult, n)
	if !opts.NonBlocking {
		for i := 0; i < n; i++ {
			sub, err := jr.Submit(ctx, suite.Run(i), suite.CustomOpts(i), opts.MaxRunTime)
			if err != nil {
				return results, err
			}
			mr, err := jr.BlockResult(ctx, sub)
			if errors.Is(err, ErrDryRun) {
				continue
			}
			if err != nil {
				return results, err
			}
			results[i] = mr
		}
		return results, nil
	}

	subs := make([]*Submission, n)
	collect := func(i int) error {
		if results[i] != nil || subs[i] == nil {
			return nil
		}
		mr, err := jr.BlockResult(ctx, subs[i])
		subs[i] = nil
		if errors.Is(err, ErrDryRun) {
			return nil
		}
		if err != nil {
			return err
		}
		results[i] = mr
		return nil
	}
	abort := func(err error) ([]*result.ModelResult, error) {
		for i, s := range subs {
			if s == nil {
				continue
			}
			if terr := jr.Terminate(context.Background(), s); terr != nil {
				logging.Warn("Runner", "terminating outstanding run %s: %v", suite.Run(i).Name, terr)
			}
		}
		return results, err
	}
	for i := 0; i < n; i++ {
		for _, d := range suite.Deps(i) {
			if err := collect(d); err != nil {
				return abort(err)
			}
		}
		sub, err := jr.Submit(ctx, suite.Run(i), suite.CustomOpts(i), opts.MaxRunTime)
		if err != nil {
			return abort(err)
		}
		subs[i] = sub
	}
	for i := 0; i < n; i++ {
		if err := collect(i); err != nil {
			return abort(err)
		}
	}
	return results, nil
}
