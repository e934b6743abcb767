package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/db"
	"github.com/sells-group/coolsite/internal/fetcher"
	"github.com/sells-group/coolsite/internal/metrics"
	"github.com/sells-group/coolsite/internal/osmnet"
	"github.com/sells-group/coolsite/internal/pipeline"
	"github.com/sells-group/coolsite/internal/resilience"
	"github.com/sells-group/coolsite/internal/store"
)

// initStore opens and migrates the local run database.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// newSource returns the OSM source: a local file when osmPath is set,
// otherwise the configured Overpass endpoint.
func newSource(osmPath string) osmnet.Source {
	if osmPath != "" {
		return osmnet.FileSource{Path: osmPath}
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:         cfg.Network.UserAgent,
		Timeout:           cfg.Network.Timeout() + cfg.Network.Timeout()/2,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
	})
	retry := resilience.FromRetryConfig(
		cfg.Network.Retries,
		msDuration(cfg.Network.InitialBackoffMS),
		secDuration(cfg.Network.MaxBackoffSecs),
	)
	return osmnet.NewOverpassSource(f, cfg.Network.OverpassURL, cfg.Network.Timeout(), retry)
}

// runnerDeps holds everything a Runner was built with that needs closing.
type runnerDeps struct {
	store store.Store
	pool  interface{ Close() }
}

func (d *runnerDeps) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.store != nil {
		d.store.Close() //nolint:errcheck
	}
}

// newRunner assembles a pipeline Runner from configuration. export enables
// the Postgres export when a database url is configured.
func newRunner(ctx context.Context, osmPath string, export bool) (*pipeline.Runner, *runnerDeps, error) {
	deps := &runnerDeps{}
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	deps.store = st

	opts := []pipeline.Option{
		pipeline.WithStore(st),
		pipeline.WithMetrics(metrics.NewRegistry()),
	}
	if !cfg.Cache.Disabled {
		cache := store.NewGraphCache(cfg.Cache.Capacity, cfg.Cache.TTL(), st)
		cache.SetBuildTimeout(time.Duration(cfg.Network.Retries+1) * 2 * cfg.Network.Timeout())
		opts = append(opts, pipeline.WithGraphCache(cache))
	}
	if export {
		if cfg.Export.DatabaseURL == "" {
			deps.Close()
			return nil, nil, &configError{err: errNoExportURL}
		}
		pool, err := db.Connect(ctx, cfg.Export.DatabaseURL, db.PoolConfig{MaxConns: cfg.Export.MaxConns})
		if err != nil {
			deps.Close()
			return nil, nil, err
		}
		deps.pool = pool
		opts = append(opts, pipeline.WithExport(pool))
	}
	return pipeline.New(cfg, newSource(osmPath), opts...), deps, nil
}

func writeOutput(path string, write func(f *os.File) error) error {
	if path == "" || path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	zap.L().Info("wrote output", zap.String("path", path))
	return f.Close()
}
