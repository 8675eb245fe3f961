package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/signalnine/credo/internal/systest"
)

var flagRegenTest string

func newRegenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regen",
		Short: "Regenerate the expected-solution fixture of a reference test",
		Long: "Run a reference-style test's model once and replace its fixture " +
			"directory with the new output. Fixtures are never regenerated by 'run'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagRegenTest == "" {
				return fmt.Errorf("--test is required")
			}
			cfg, env, err := loadConfig()
			if err != nil {
				return err
			}
			tc, err := cfg.FindTest(flagRegenTest)
			if err != nil {
				return err
			}
			criteria, err := loadCriteria(cfg)
			if err != nil {
				return err
			}
			t, err := systest.FromConfig(tc, criteria)
			if err != nil {
				return err
			}
			rg, ok := t.(systest.Regenerator)
			if !ok {
				return fmt.Errorf("test %s (%s) has no fixture to regenerate", tc.Name, tc.Type)
			}
			jr, closeRunner, err := newJobRunner(cfg, env, flagDryRun)
			if err != nil {
				return err
			}
			defer closeRunner()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if err := rg.RegenerateFixture(ctx, jr, env); err != nil {
				return fmt.Errorf("regenerating %s: %w", tc.Name, err)
			}
			if !flagDryRun {
				fmt.Printf("Regenerated fixture for %s\n", tc.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagRegenTest, "test", "", "test whose fixture to regenerate")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "print the command line without launching")
	return cmd
}
