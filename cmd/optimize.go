package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/coolsite/internal/mclp"
	"github.com/sells-group/coolsite/internal/pipeline"
	"github.com/sells-group/coolsite/internal/result"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Select the cooling sites that cover the most weighted demand",
	Long: `Runs coverage (or reads a matrix written by the coverage command) and
selects up to k sites maximising the demand weight within the walking
threshold. Results are written as JSON, CSV, XLSX and GeoJSON.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		modeFlag, _ := cmd.Flags().GetString("mode")
		outDir, _ := cmd.Flags().GetString("out")
		export, _ := cmd.Flags().GetBool("export")
		matrixPath, _ := cmd.Flags().GetString("matrix")

		var mode mclp.Mode
		if modeFlag != "" {
			m, err := mclp.ParseMode(modeFlag)
			if err != nil {
				return &configError{err: err}
			}
			mode = m
		}
		k, err := budgetFlag(cmd)
		if err != nil {
			return err
		}

		var (
			outcome *pipeline.Outcome
			runErr  error
		)
		if matrixPath != "" {
			m, err := loadMatrix(matrixPath)
			if err != nil {
				return err
			}
			points, err := loadDemand(ctx, cmd)
			if err != nil {
				return err
			}
			sites, err := loadSites(ctx, cmd)
			if err != nil {
				return err
			}
			r, deps, err := newRunner(ctx, "", export)
			if err != nil {
				return err
			}
			defer deps.Close()
			outcome, runErr = r.OptimizeMatrix(ctx, pipeline.MatrixRequest{
				Matrix: m, Demand: points, Sites: sites, K: k, Mode: mode, OutputDir: outDir,
			})
		} else {
			req, osmPath, err := coverageRequest(cmd)
			if err != nil {
				return err
			}
			r, deps, err := newRunner(ctx, osmPath, export)
			if err != nil {
				return err
			}
			defer deps.Close()
			outcome, runErr = r.Optimize(ctx, pipeline.OptimizeRequest{
				CoverageRequest: req, K: k, Mode: mode, OutputDir: outDir,
			})
		}
		if runErr != nil {
			return eris.Wrap(runErr, "optimize")
		}

		formatOutcome(os.Stdout, outcome.Result, outcome.Files)
		return nil
	},
}

// budgetFlag returns the --k override, or nil when the flag was not given so
// optimizer.k applies. An explicit 0 selects no new sites.
func budgetFlag(cmd *cobra.Command) (*int, error) {
	if !cmd.Flags().Changed("k") {
		return nil, nil
	}
	k, _ := cmd.Flags().GetInt("k")
	if k < 0 {
		return nil, &configError{err: eris.Errorf("--k must be non-negative, got %d", k)}
	}
	return &k, nil
}

// formatOutcome prints the headline figures and the chosen sites.
func formatOutcome(out io.Writer, res *result.Result, files []string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "Mode:\t%s (%s)\n", res.Mode, res.Status)
	_, _ = fmt.Fprintf(w, "Sites:\t%d of %d requested\n", res.Effective, res.Requested)
	_, _ = fmt.Fprintf(w, "Covered:\t%.2f of %.2f (%.1f%%)\n", res.CoveredWeight, res.TotalWeight, res.CoveredShare*100)
	if len(res.Pinned) > 0 {
		_, _ = fmt.Fprintf(w, "Existing:\t%s (%.2f)\n", strings.Join(res.Pinned, ", "), res.BaselineWeight)
	}
	if res.Bound > 0 {
		_, _ = fmt.Fprintf(w, "Bound:\t%.2f (%d nodes)\n", res.Bound, res.Nodes)
	}
	_ = w.Flush()

	if len(res.Steps) > 0 {
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "\nRANK\tSITE\tGAIN\tCUMULATIVE")
		for _, s := range res.Steps {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%.2f\t%.2f\n", s.Rank, s.SiteID, s.Gain, s.Cumulative)
		}
		_ = w.Flush()
	}
	for _, f := range files {
		_, _ = fmt.Fprintf(out, "wrote %s\n", f)
	}
}

func init() {
	addBoundaryFlags(optimizeCmd)
	addDemandFlags(optimizeCmd)
	optimizeCmd.Flags().Int("k", 0, "number of new sites to select (unset uses optimizer.k)")
	optimizeCmd.Flags().String("mode", "", "approximate (greedy) or exact (empty uses optimizer.mode)")
	optimizeCmd.Flags().String("out", "", "directory for result files")
	optimizeCmd.Flags().Bool("export", false, "also write the result to Postgres (export.database_url)")
	optimizeCmd.Flags().String("matrix", "", "optimise over a coverage matrix CSV instead of computing one")
	rootCmd.AddCommand(optimizeCmd)
}
