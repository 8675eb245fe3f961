package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/credo/internal/history"
	"github.com/signalnine/credo/internal/report"
)

var (
	flagFormat  string
	flagHistory bool
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarize stored test records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if flagHistory {
				if cfg.History.DB == "" {
					return fmt.Errorf("history.db is not configured")
				}
				store, err := history.NewStore(cfg.History.DB)
				if err != nil {
					return err
				}
				defer store.Close()
				return report.GenerateHistory(context.Background(), store, flagFormat, os.Stdout)
			}
			runDir := filepath.Join(cfg.Results.Dir, "latest")
			if len(args) > 0 {
				runDir = args[0]
			}
			resolved, err := filepath.EvalSymlinks(runDir)
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			return report.Generate(resolved, flagFormat, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json, html)")
	cmd.Flags().BoolVar(&flagHistory, "history", false, "summarize verdict history instead of one run")
	return cmd
}
