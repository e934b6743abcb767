package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/demand"
	"github.com/sells-group/coolsite/internal/mclp"
	"github.com/sells-group/coolsite/internal/result"
	"github.com/sells-group/coolsite/internal/snap"
	"github.com/sells-group/coolsite/internal/store"
)

// OptimizeRequest is the input of an optimisation run. K and Mode override
// the configured optimizer settings when set; a K of 0 asks for no new
// sites.
type OptimizeRequest struct {
	CoverageRequest
	K         *int
	Mode      mclp.Mode
	OutputDir string
}

// MatrixRequest optimises over a precomputed coverage matrix. Demand points
// and sites the matrix lacks are treated as unsnapped.
type MatrixRequest struct {
	Matrix      *coverage.Matrix
	Demand      []demand.DemandPoint
	Sites       []demand.CandidateSite
	Diagnostics []snap.Diagnostic
	K           *int
	Mode        mclp.Mode
	OutputDir   string
}

// Outcome is a finished optimisation run.
type Outcome struct {
	RunID    string
	Result   *result.Result
	Coverage *CoverageResult // nil for matrix runs
	Files    []string
}

func (r *Runner) optimizeParams(k int, mode mclp.Mode, extra map[string]any) map[string]any {
	params := map[string]any{
		"k":                 k,
		"mode":              mode,
		"threshold_minutes": r.cfg.Coverage.ThresholdMinutes,
		"pin_existing":      r.cfg.Optimizer.PinExisting,
	}
	for key, v := range extra {
		params[key] = v
	}
	return params
}

func (r *Runner) resolve(override *int, mode mclp.Mode) (int, mclp.Mode, error) {
	k := r.cfg.Optimizer.K
	if override != nil {
		k = *override
	}
	if mode == "" {
		var err error
		mode, err = mclp.ParseMode(r.cfg.Optimizer.Mode)
		if err != nil {
			return 0, "", err
		}
	}
	return k, mode, nil
}

// Optimize runs coverage and then site selection, writes the exports and
// records the run.
func (r *Runner) Optimize(ctx context.Context, req OptimizeRequest) (*Outcome, error) {
	k, mode, err := r.resolve(req.K, req.Mode)
	if err != nil {
		return nil, err
	}
	out := &Outcome{}
	params := r.optimizeParams(k, mode, map[string]any{
		"boundary": req.Boundary.String(),
		"demand":   len(req.Demand),
		"sites":    len(req.Sites),
	})
	out.RunID, err = r.run(ctx, "optimize", params, func(runID string) (*store.RunSummary, error) {
		cov, err := r.Coverage(ctx, req.CoverageRequest)
		if err != nil {
			return nil, err
		}
		out.Coverage = cov
		summary, err := r.selectAndReport(ctx, runID, out, MatrixRequest{
			Matrix:      cov.Matrix,
			Demand:      req.Demand,
			Sites:       req.Sites,
			Diagnostics: cov.Diagnostics,
			K:           &k,
			Mode:        mode,
			OutputDir:   req.OutputDir,
		})
		if err != nil {
			return nil, err
		}
		summary.GraphNodes = cov.Network.Stats.Nodes
		summary.GraphEdges = cov.Network.Stats.Edges
		return summary, nil
	})
	r.flushMetrics()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OptimizeMatrix runs site selection over a precomputed matrix.
func (r *Runner) OptimizeMatrix(ctx context.Context, req MatrixRequest) (*Outcome, error) {
	k, mode, err := r.resolve(req.K, req.Mode)
	if err != nil {
		return nil, err
	}
	req.K, req.Mode = &k, mode
	out := &Outcome{}
	params := r.optimizeParams(k, mode, map[string]any{
		"matrix_demand": req.Matrix.NumDemand(),
		"matrix_sites":  req.Matrix.NumSites(),
	})
	out.RunID, err = r.run(ctx, "optimize", params, func(runID string) (*store.RunSummary, error) {
		if err := r.alignMatrix(&req); err != nil {
			return nil, err
		}
		return r.selectAndReport(ctx, runID, out, req)
	})
	r.flushMetrics()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// alignMatrix orders the matrix by the request's demand points and sites and
// reports every one the matrix has no entry for.
func (r *Runner) alignMatrix(req *MatrixRequest) error {
	demandIDs := make([]string, len(req.Demand))
	for i, p := range req.Demand {
		demandIDs[i] = p.ID
	}
	siteIDs := make([]string, len(req.Sites))
	for i, s := range req.Sites {
		siteIDs[i] = s.ID
	}
	m, missingDemand, missingSites, err := req.Matrix.Align(demandIDs, siteIDs)
	if err != nil {
		return err
	}
	req.Matrix = m
	for _, miss := range []struct {
		role string
		ids  []string
	}{{"demand", missingDemand}, {"site", missingSites}} {
		for _, id := range miss.ids {
			req.Diagnostics = append(req.Diagnostics, snap.Diagnostic{ID: id, Role: miss.role, Kind: snap.KindNotInMatrix})
			if r.metrics != nil {
				r.metrics.RecordSnapFailure(miss.role, string(snap.KindNotInMatrix))
			}
		}
	}
	if len(missingDemand)+len(missingSites) > 0 {
		r.log.Warn("pipeline: points missing from matrix",
			zap.Strings("demand", missingDemand),
			zap.Strings("sites", missingSites),
		)
	}
	return nil
}

func (r *Runner) selectAndReport(ctx context.Context, runID string, out *Outcome, req MatrixRequest) (*store.RunSummary, error) {
	p, err := mclp.NewProblem(req.Matrix, req.Demand, req.Sites, r.cfg.Optimizer.PinExisting)
	if err != nil {
		return nil, err
	}
	sel, err := mclp.Optimize(ctx, p, mclp.Options{
		K:              *req.K,
		Mode:           req.Mode,
		TimeLimit:      r.cfg.Optimizer.TimeLimit(),
		MaxNodes:       r.cfg.Optimizer.MaxNodes,
		FallbackGreedy: r.cfg.Optimizer.FallbackGreedy,
		Workers:        r.cfg.Coverage.Workers,
	})
	if err != nil {
		return nil, err
	}
	res, err := result.Assemble(sel, req.Matrix, req.Demand, req.Sites, req.Diagnostics)
	if err != nil {
		return nil, err
	}
	res.RunID = runID
	out.Result = res

	if req.OutputDir != "" {
		out.Files, err = res.WriteAll(req.OutputDir)
		if err != nil {
			return nil, err
		}
	}
	if r.export != nil {
		if err := Export(ctx, r.export, r.cfg.Export.Schema, res, req.Matrix); err != nil {
			return nil, err
		}
	}
	if r.metrics != nil {
		r.metrics.RecordOptimize(string(res.Mode), string(res.Status), res.Nodes, res.CoveredShare, sel.Elapsed)
	}
	r.log.Info("pipeline: selection ready",
		zap.String("status", string(res.Status)),
		zap.Strings("selected", res.Selected),
		zap.Float64("covered_share", res.CoveredShare),
		zap.Int("files", len(out.Files)),
	)
	return &store.RunSummary{
		Mode:          string(res.Mode),
		Status:        string(res.Status),
		Requested:     res.Requested,
		Effective:     res.Effective,
		Selected:      res.Selected,
		CoveredWeight: res.CoveredWeight,
		TotalWeight:   res.TotalWeight,
		CoveredShare:  res.CoveredShare,
		OutputDir:     req.OutputDir,
	}, nil
}
