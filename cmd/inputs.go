package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/db"
	"github.com/sells-group/coolsite/internal/demand"
	"github.com/sells-group/coolsite/internal/geo"
	"github.com/sells-group/coolsite/internal/graph"
	"github.com/sells-group/coolsite/internal/osmnet"
)

var errNoExportURL = eris.New("export.database_url is not set")

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
func secDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// addBoundaryFlags registers the flags read by loadBoundary.
func addBoundaryFlags(cmd *cobra.Command) {
	cmd.Flags().String("bbox", "", "bounding box as minLon,minLat,maxLon,maxLat")
	cmd.Flags().String("boundary", "", "GeoJSON polygon file bounding the study area")
	cmd.Flags().String("osm", "", "read the network from a local OSM XML file instead of Overpass")
	cmd.Flags().String("nodelink", "", "read a prebuilt network from node-link JSON instead of OSM")
}

// loadBoundary reads --boundary or --bbox. Both empty yields a zero
// boundary.
func loadBoundary(cmd *cobra.Command) (osmnet.Boundary, error) {
	bbox, _ := cmd.Flags().GetString("bbox")
	path, _ := cmd.Flags().GetString("boundary")
	switch {
	case bbox != "" && path != "":
		return osmnet.Boundary{}, &configError{err: eris.New("--bbox and --boundary are mutually exclusive")}
	case bbox != "":
		b, err := osmnet.ParseBBox(bbox)
		return b, asInput(err)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return osmnet.Boundary{}, asInput(eris.Wrapf(err, "open boundary %s", path))
		}
		defer f.Close() //nolint:errcheck
		b, err := osmnet.ReadGeoJSON(f)
		return b, asInput(err)
	}
	return osmnet.Boundary{}, nil
}

// loadNodeLink reads --nodelink when set.
func loadNodeLink(cmd *cobra.Command) (*graph.Graph, error) {
	path, _ := cmd.Flags().GetString("nodelink")
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, asInput(eris.Wrapf(err, "open node-link %s", path))
	}
	defer f.Close() //nolint:errcheck
	g, _, err := osmnet.LoadNodeLink(f, geo.Projection{}, cfg.Coverage.WalkSpeedKmh)
	return g, asInput(err)
}

// addDemandFlags registers the flags read by loadDemand and loadSites.
func addDemandFlags(cmd *cobra.Command) {
	cmd.Flags().String("demand", "", "tract demand as GeoJSON (.geojson) or shapefile (.shp)")
	cmd.Flags().String("demand-table", "", "PostGIS table holding tract demand (uses export.database_url)")
	cmd.Flags().String("sites", "", "candidate sites as CSV, XLSX or GeoJSON")
}

// loadDemand reads tracts from a file or PostGIS and weights them.
func loadDemand(ctx context.Context, cmd *cobra.Command) ([]demand.DemandPoint, error) {
	path, _ := cmd.Flags().GetString("demand")
	table, _ := cmd.Flags().GetString("demand-table")

	var tracts []demand.Tract
	var err error
	switch {
	case path != "" && table != "":
		return nil, &configError{err: eris.New("--demand and --demand-table are mutually exclusive")}
	case path != "":
		tracts, err = demand.LoadTracts(path)
	case table != "":
		if cfg.Export.DatabaseURL == "" {
			return nil, &configError{err: errNoExportURL}
		}
		pool, cerr := db.Connect(ctx, cfg.Export.DatabaseURL, db.PoolConfig{MaxConns: cfg.Export.MaxConns})
		if cerr != nil {
			return nil, cerr
		}
		defer pool.Close()
		tracts, err = demand.LoadPostGIS(ctx, pool, demand.PostGISSource{Table: table})
	default:
		return nil, &configError{err: eris.New("one of --demand or --demand-table is required")}
	}
	if err != nil {
		return nil, asInput(err)
	}

	var ej map[string]bool
	if cfg.Demand.EquityTable != "" {
		ej, err = demand.ReadEquityTable(ctx, cfg.Demand.EquityTable)
		if err != nil {
			return nil, asInput(err)
		}
	}
	points, err := demand.BuildWeights(tracts, demand.WeightOptions{
		By:           cfg.Demand.WeightBy,
		Population:   cfg.Demand.Population,
		EquityWeight: cfg.Demand.EquityWeight,
		EJ:           ej,
	})
	return points, asInput(err)
}

func loadSites(ctx context.Context, cmd *cobra.Command) ([]demand.CandidateSite, error) {
	path, _ := cmd.Flags().GetString("sites")
	if path == "" {
		return nil, &configError{err: eris.New("--sites is required")}
	}
	sites, err := demand.LoadSites(ctx, path)
	return sites, asInput(err)
}

func loadMatrix(path string) (*coverage.Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, asInput(eris.Wrapf(err, "open matrix %s", path))
	}
	defer f.Close() //nolint:errcheck
	m, err := coverage.ReadCSV(f, cfg.Coverage.ThresholdSeconds())
	return m, asInput(err)
}
