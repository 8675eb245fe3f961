package cmd

import (
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured system tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Test", "Type", "NProc", "Inputs", "Description"})
			for _, tc := range cfg.Tests {
				t.AppendRow(table.Row{tc.Name, tc.Type, tc.NProc, strings.Join(tc.InputFiles, " "), tc.Description})
			}
			t.Render()
			return nil
		},
	}
}
