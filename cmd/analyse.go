package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/systest"
)

var (
	flagFields []string
	flagRate   float64
	flagCorr   float64
)

func newAnalyseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyse DIR...",
		Short: "Check convergence of existing multi-resolution outputs",
		Long: "Read the .cvg error files of each output directory (coarsest first) " +
			"and check that every dof of each field converges at the required rate.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria := analyseCriteria(flagFields, flagRate, flagCorr)
			fields := flagFields
			if len(fields) == 0 {
				fields = criteria.Fields()
			}
			verdicts, err := convergence.Analyse(fields, args, criteria)
			if err != nil {
				return err
			}
			failed := 0
			for _, v := range verdicts {
				status := systest.Pass
				switch {
				case v.Skipped:
					status = systest.NotRun
				case !v.Passed:
					status = systest.Fail
					failed++
				}
				systest.PrintResult(cmd.OutOrStdout(), v.Field, systest.Result{Status: status, Detail: v.Detail})
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d fields not converging", failed, len(verdicts))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flagFields, "field", nil, "field to check (repeatable; default all fields with criteria)")
	cmd.Flags().Float64Var(&flagRate, "rate", 0, "required convergence rate (overrides defaults)")
	cmd.Flags().Float64Var(&flagCorr, "corr", 0, "required correlation (overrides defaults)")
	return cmd
}

// analyseCriteria starts from the default criteria and, when a rate or
// correlation is given, applies it to every requested field.
func analyseCriteria(fields []string, rate, corr float64) convergence.Criteria {
	criteria := convergence.DefaultCriteria()
	if rate == 0 && corr == 0 {
		return criteria
	}
	if len(fields) == 0 {
		fields = criteria.Fields()
	}
	for _, f := range fields {
		c := criteria[f]
		if rate != 0 {
			c.Rate = rate
		}
		if corr != 0 {
			c.Correlation = corr
		}
		criteria[f] = c
	}
	return criteria
}
