package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/pipeline"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Compute the walking-time coverage matrix",
	Long:  "Snaps demand points and candidate sites onto the pedestrian network and writes demand_id,site_id,travel_seconds,covered rows for every snapped pair.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, osmPath, err := coverageRequest(cmd)
		if err != nil {
			return err
		}
		r, deps, err := newRunner(ctx, osmPath, false)
		if err != nil {
			return err
		}
		defer deps.Close()

		res, runID, err := r.RunCoverage(ctx, req)
		if err != nil {
			return eris.Wrap(err, "coverage")
		}
		for _, d := range res.Diagnostics {
			zap.L().Warn("coverage: point not snapped",
				zap.String("id", d.ID),
				zap.String("role", d.Role),
				zap.String("kind", string(d.Kind)),
				zap.Float64("distance_m", d.DistanceM),
			)
		}

		out, _ := cmd.Flags().GetString("out")
		if err := writeOutput(out, func(f *os.File) error { return res.Matrix.WriteCSV(f) }); err != nil {
			return eris.Wrap(err, "coverage: write matrix")
		}
		fmt.Fprintf(os.Stderr, "run %s: %d demand x %d sites, %d covered pairs, %d unsnapped\n",
			truncateID(runID), res.Stats.Demand, res.Stats.Sites, res.Stats.CoveredPairs, len(res.Diagnostics))
		return nil
	},
}

// coverageRequest gathers boundary, network, demand and sites from flags.
// The returned path is the --osm file, if any.
func coverageRequest(cmd *cobra.Command) (pipeline.CoverageRequest, string, error) {
	ctx := cmd.Context()
	var req pipeline.CoverageRequest

	b, err := loadBoundary(cmd)
	if err != nil {
		return req, "", err
	}
	g, err := loadNodeLink(cmd)
	if err != nil {
		return req, "", err
	}
	points, err := loadDemand(ctx, cmd)
	if err != nil {
		return req, "", err
	}
	sites, err := loadSites(ctx, cmd)
	if err != nil {
		return req, "", err
	}
	osmPath, _ := cmd.Flags().GetString("osm")
	if g == nil && b.IsZero() && !cfg.Network.ClipToSites {
		return req, "", &configError{err: eris.New("one of --bbox, --boundary or --nodelink is required unless network.clip_to_sites is set")}
	}
	req = pipeline.CoverageRequest{Boundary: b, Demand: points, Sites: sites, Graph: g}
	return req, osmPath, nil
}

func init() {
	addBoundaryFlags(coverageCmd)
	addDemandFlags(coverageCmd)
	coverageCmd.Flags().String("out", "-", "matrix CSV path (- for stdout)")
	rootCmd.AddCommand(coverageCmd)
}
