// Package pipeline wires network acquisition, coverage, optimisation and
// reporting into the runs exposed by the CLI.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/config"
	"github.com/sells-group/coolsite/internal/db"
	"github.com/sells-group/coolsite/internal/metrics"
	"github.com/sells-group/coolsite/internal/osmnet"
	"github.com/sells-group/coolsite/internal/store"
)

// Runner executes coverage and optimisation runs. Only the config and the
// network source are required; the store, cache, metrics registry and
// export pool are used when set.
type Runner struct {
	cfg     *config.Config
	source  osmnet.Source
	store   store.Store
	cache   *store.GraphCache
	metrics *metrics.Registry
	export  db.Pool
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore records runs in st.
func WithStore(st store.Store) Option {
	return func(r *Runner) { r.store = st }
}

// WithGraphCache reuses built networks across runs.
func WithGraphCache(c *store.GraphCache) Option {
	return func(r *Runner) { r.cache = c }
}

// WithMetrics records run metrics in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Runner) { r.metrics = reg }
}

// WithExport writes results to Postgres through pool.
func WithExport(pool db.Pool) Option {
	return func(r *Runner) { r.export = pool }
}

// New creates a Runner.
func New(cfg *config.Config, source osmnet.Source, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		source: source,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "pipeline")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Cache returns the graph cache, or nil.
func (r *Runner) Cache() *store.GraphCache { return r.cache }

// run wraps fn in a run record when a store is attached. Without a store
// the run still gets an id.
func (r *Runner) run(ctx context.Context, command string, params any, fn func(runID string) (*store.RunSummary, error)) (string, error) {
	if r.store == nil {
		id := uuid.New().String()
		_, err := fn(id)
		return id, err
	}
	rec, err := r.store.CreateRun(ctx, command, params)
	if err != nil {
		return "", err
	}
	log := r.log.With(zap.String("run_id", rec.ID), zap.String("command", command))
	log.Info("pipeline: run started")

	start := r.now()
	summary, fnErr := fn(rec.ID)
	if fnErr != nil {
		if err := r.store.FailRun(context.WithoutCancel(ctx), rec.ID, fnErr.Error()); err != nil {
			log.Warn("pipeline: failed to record run failure", zap.Error(err))
		}
		log.Error("pipeline: run failed", zap.Error(fnErr))
		return rec.ID, fnErr
	}
	if summary == nil {
		summary = &store.RunSummary{}
	}
	summary.ElapsedMS = r.now().Sub(start).Milliseconds()
	if err := r.store.CompleteRun(ctx, rec.ID, summary); err != nil {
		log.Warn("pipeline: failed to record run completion", zap.Error(err))
	}
	log.Info("pipeline: run complete", zap.Int64("elapsed_ms", summary.ElapsedMS))
	return rec.ID, nil
}

// flushMetrics writes the metrics textfile when configured.
func (r *Runner) flushMetrics() {
	if r.metrics == nil {
		return
	}
	if r.cache != nil {
		r.metrics.RecordCache(r.cache.Stats())
	}
	if path := r.cfg.Metrics.Textfile; path != "" {
		if err := r.metrics.WriteTextfile(path); err != nil {
			r.log.Warn("pipeline: metrics textfile", zap.Error(err))
		}
	}
}
