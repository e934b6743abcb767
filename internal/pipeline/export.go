package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/db"
	"github.com/sells-group/coolsite/internal/result"
)

// Export tables, created in the configured schema.
const (
	TableRuns      = "runs"
	TableSelection = "selection"
	TableCoverage  = "coverage"
)

var (
	runColumns       = []string{"run_id", "mode", "status", "requested", "effective", "threshold_seconds", "covered_weight", "total_weight", "covered_share", "exported_at"}
	selectionColumns = []string{"run_id", "site_id", "existing", "pinned", "selected", "rank", "gain", "reach_weight"}
	coverageColumns  = []string{"run_id", "demand_id", "site_id", "travel_seconds", "covered"}
)

// SchemaSQL returns the DDL for the export tables.
func SchemaSQL(schema string) string {
	q := func(table string) string { return db.Identifier(schema + "." + table).Sanitize() }
	return fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	requested INTEGER NOT NULL,
	effective INTEGER NOT NULL,
	threshold_seconds DOUBLE PRECISION NOT NULL,
	covered_weight DOUBLE PRECISION NOT NULL,
	total_weight DOUBLE PRECISION NOT NULL,
	covered_share DOUBLE PRECISION NOT NULL,
	exported_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT NOT NULL,
	site_id TEXT NOT NULL,
	existing BOOLEAN NOT NULL,
	pinned BOOLEAN NOT NULL,
	selected BOOLEAN NOT NULL,
	rank INTEGER NOT NULL,
	gain DOUBLE PRECISION NOT NULL,
	reach_weight DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, site_id)
);
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT NOT NULL,
	demand_id TEXT NOT NULL,
	site_id TEXT NOT NULL,
	travel_seconds DOUBLE PRECISION,
	covered BOOLEAN NOT NULL
);`, db.Identifier(schema).Sanitize(), q(TableRuns), q(TableSelection), q(TableCoverage))
}

// Export writes the run, its per-site selection and its coverage pairs to
// Postgres. Unreachable pairs are stored with a NULL travel time.
func Export(ctx context.Context, pool db.Pool, schema string, res *result.Result, m *coverage.Matrix) error {
	if res.RunID == "" {
		return eris.New("pipeline: export requires a run id")
	}
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		return eris.Wrap(err, "pipeline: create export schema")
	}

	_, err := db.Upsert(ctx, pool, db.Table{
		Name:    schema + "." + TableRuns,
		Columns: runColumns,
		Key:     []string{"run_id"},
	}, [][]any{{
		res.RunID, string(res.Mode), string(res.Status), res.Requested, res.Effective,
		res.ThresholdSeconds, res.CoveredWeight, res.TotalWeight, res.CoveredShare, time.Now().UTC(),
	}})
	if err != nil {
		return err
	}

	siteRows := make([][]any, 0, len(res.Sites))
	for _, s := range res.Sites {
		siteRows = append(siteRows, []any{res.RunID, s.ID, s.Existing, s.Pinned, s.Selected, s.Rank, s.Gain, s.ReachWeight})
	}
	if _, err := db.Upsert(ctx, pool, db.Table{
		Name:    schema + "." + TableSelection,
		Columns: selectionColumns,
		Key:     []string{"run_id", "site_id"},
	}, siteRows); err != nil {
		return err
	}

	entries := m.Entries()
	pairRows := make([][]any, 0, len(entries))
	for _, e := range entries {
		var secs any
		if !math.IsInf(e.Seconds, 1) {
			secs = e.Seconds
		}
		pairRows = append(pairRows, []any{res.RunID, e.DemandID, e.SiteID, secs, e.Covered})
	}
	n, err := db.CopyFrom(ctx, pool, schema+"."+TableCoverage, coverageColumns, pairRows)
	if err != nil {
		return err
	}
	zap.L().Info("pipeline: exported to postgres",
		zap.String("run_id", res.RunID),
		zap.String("schema", schema),
		zap.Int("sites", len(siteRows)),
		zap.Int64("pairs", n),
	)
	return nil
}
