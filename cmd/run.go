package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/docker"
	"github.com/signalnine/credo/internal/gitops"
	"github.com/signalnine/credo/internal/history"
	"github.com/signalnine/credo/internal/logging"
	"github.com/signalnine/credo/internal/report"
	"github.com/signalnine/credo/internal/result"
	"github.com/signalnine/credo/internal/runner"
	"github.com/signalnine/credo/internal/systest"
)

var (
	flagTest        string
	flagType        string
	flagParallel    int
	flagDryRun      bool
	flagNonBlocking bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute system tests",
		RunE:  runTests,
	}
	cmd.Flags().StringVar(&flagTest, "test", "", "run a single test by name")
	cmd.Flags().StringVar(&flagType, "type", "", "run only tests of this type")
	cmd.Flags().IntVar(&flagParallel, "parallel", 1, "max tests executing concurrently")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "print command lines without launching")
	cmd.Flags().BoolVar(&flagNonBlocking, "non-blocking", false, "submit all runs of a suite before waiting")
	return cmd
}

// tally counts verdicts across concurrently executing tests and serializes
// console output.
type tally struct {
	mu     sync.Mutex
	out    io.Writer
	counts map[systest.Status]int
}

func (t *tally) add(name string, res systest.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[res.Status]++
	if res.Status != systest.NotRun {
		systest.PrintResult(t.out, name, res)
	}
}

func runTests(cmd *cobra.Command, args []string) error {
	cfg, env, err := loadConfig()
	if err != nil {
		return err
	}
	tests := filterTests(cfg.Tests, flagTest, flagType)
	if len(tests) == 0 {
		return fmt.Errorf("no tests match (test=%q, type=%q)", flagTest, flagType)
	}
	criteria, err := loadCriteria(cfg)
	if err != nil {
		return err
	}

	jr, closeRunner, err := newJobRunner(cfg, env, flagDryRun)
	if err != nil {
		return err
	}
	defer closeRunner()

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", runDir)

	var store *history.Store
	if cfg.History.DB != "" && !flagDryRun {
		store, err = history.NewStore(cfg.History.DB)
		if err != nil {
			logging.Warn("CLI", "history disabled: %v", err)
		} else {
			defer store.Close()
		}
	}
	revision := gitops.Describe(orDefault(env.BaseDir, "."))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := systest.ExecOpts{
		Env:         env,
		NonBlocking: flagNonBlocking || cfg.Runner.NonBlocking,
		DryRun:      flagDryRun,
	}
	t := &tally{out: os.Stdout, counts: map[systest.Status]int{}}
	var tasks []runner.Task
	for _, tc := range tests {
		tc := tc
		tasks = append(tasks, func(ctx context.Context) error {
			res := executeTest(ctx, tc, criteria, jr, base, runDir)
			t.add(tc.Name, res)
			if store != nil && res.RecordPath != "" {
				recordHistory(ctx, store, res.RecordPath, runDir, revision)
			}
			return nil
		})
	}
	runner.RunPool(ctx, flagParallel, tasks)
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted")
	}
	if flagDryRun {
		return nil
	}

	fmt.Printf("\n%d passed, %d failed, %d errored\n", t.counts[systest.Pass], t.counts[systest.Fail], t.counts[systest.Error])
	fmt.Println("\n--- Results ---")
	if err := report.Generate(runDir, "table", os.Stdout); err != nil {
		logging.Warn("CLI", "report: %v", err)
	}
	if bad := t.counts[systest.Fail] + t.counts[systest.Error]; bad > 0 {
		return fmt.Errorf("%d of %d tests did not pass", bad, len(tests))
	}
	return nil
}

// executeTest builds one test from its configuration and runs it. A test
// that cannot be built gets an Error verdict like any other setup failure.
func executeTest(ctx context.Context, tc *config.TestConfig, criteria convergence.Criteria, jr runner.JobRunner, opts systest.ExecOpts, runDir string) systest.Result {
	t, err := systest.FromConfig(tc, criteria)
	if err != nil {
		logging.Error("CLI", err, "building test %s", tc.Name)
		return systest.Result{Status: systest.Error, Detail: err.Error()}
	}
	logging.Info("CLI", "executing %s (%s)", tc.Name, tc.Type)
	opts.Dir = result.TestDir(runDir, tc.Name)
	return systest.Execute(ctx, t, jr, opts)
}

func recordHistory(ctx context.Context, store *history.Store, recordPath, runDir, revision string) {
	rec, err := systest.ReadRecord(recordPath)
	if err != nil {
		logging.Warn("CLI", "history: %v", err)
		return
	}
	if err := store.Record(ctx, history.FromRecord(rec, recordPath, runDir, revision)); err != nil {
		logging.Warn("CLI", "history: %v", err)
	}
}

// newJobRunner builds the JobRunner for the configured backend. The
// returned func releases backend resources.
func newJobRunner(cfg *config.Config, env *config.Environment, dryRun bool) (*runner.Runner, func(), error) {
	noop := func() {}
	var l runner.Launcher
	closeFn := noop
	switch cfg.Runner.Type {
	case "pbs":
		l = runner.NewPBSLauncher(cfg.Runner.Batch)
	case "docker":
		dl, err := docker.NewLauncher(cfg.Runner.Docker)
		if err != nil {
			return nil, noop, err
		}
		env.InContainer = true
		l = dl
		closeFn = func() { dl.Close() }
	default:
		l = runner.NewLocalLauncher()
	}
	opts := []runner.Option{
		runner.WithPollInterval(cfg.Runner.PollIntervalDuration()),
		runner.WithProfilers(runner.OutputSizeProfiler{}),
	}
	if dryRun {
		opts = append(opts, runner.WithDryRun(os.Stdout))
	}
	return runner.New(l, env, opts...), closeFn, nil
}

func loadCriteria(cfg *config.Config) (convergence.Criteria, error) {
	criteria := convergence.DefaultCriteria()
	if cfg.CriteriaFile == "" {
		return criteria, nil
	}
	extra, err := convergence.LoadCriteria(cfg.CriteriaFile)
	if err != nil {
		return nil, err
	}
	return criteria.Merge(extra), nil
}

func filterTests(tests []config.TestConfig, name, typ string) []*config.TestConfig {
	var out []*config.TestConfig
	for i := range tests {
		t := &tests[i]
		if name != "" && t.Name != name {
			continue
		}
		if typ != "" && t.Type != typ {
			continue
		}
		out = append(out, t)
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
