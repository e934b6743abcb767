// Package result assembles an optimiser selection into the report written at
// the end of a run, and exports it as JSON, CSV, XLSX and GeoJSON.
package result

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/demand"
	"github.com/sells-group/coolsite/internal/mclp"
	"github.com/sells-group/coolsite/internal/snap"
)

// StepRow is one selection step with its share of total demand weight.
type StepRow struct {
	Rank            int     `json:"rank"`
	SiteID          string  `json:"site_id"`
	Gain            float64 `json:"gain"`
	Cumulative      float64 `json:"cumulative"`
	CumulativeShare float64 `json:"cumulative_share"`
}

// DemandRow reports how one demand point fares under the selection.
type DemandRow struct {
	ID       string  `json:"id"`
	Weight   float64 `json:"weight"`
	Snapped  bool    `json:"snapped"`
	Covered  bool    `json:"covered"`
	BestSite string  `json:"best_site,omitempty"`
	// BestSeconds is the travel time to the nearest selected site, +Inf
	// when none is reachable.
	BestSeconds float64 `json:"-"`
}

// MarshalJSON writes BestSeconds as null when unreachable.
func (d DemandRow) MarshalJSON() ([]byte, error) {
	type plain DemandRow
	out := struct {
		plain
		BestSeconds *float64 `json:"best_seconds"`
	}{plain: plain(d)}
	if !math.IsInf(d.BestSeconds, 0) && !math.IsNaN(d.BestSeconds) {
		v := d.BestSeconds
		out.BestSeconds = &v
	}
	return json.Marshal(out)
}

// SiteRow describes a candidate site and its role in the selection.
type SiteRow struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Lon      float64 `json:"lon"`
	Lat      float64 `json:"lat"`
	Existing bool    `json:"existing"`
	Snapped  bool    `json:"snapped"`
	Pinned   bool    `json:"pinned"`
	Selected bool    `json:"selected"`
	// Rank is the step at which the site was chosen; 0 for pinned or
	// unselected sites.
	Rank int     `json:"rank,omitempty"`
	Gain float64 `json:"gain,omitempty"`
	// ReachWeight is the demand weight within the threshold of this site
	// alone.
	ReachWeight float64 `json:"reach_weight"`
	ReachCount  int     `json:"reach_count"`
}

// Result is the assembled report of one run.
type Result struct {
	RunID            string      `json:"run_id,omitempty"`
	Mode             mclp.Mode   `json:"mode"`
	Status           mclp.Status `json:"status"`
	Requested        int         `json:"requested"`
	Effective        int         `json:"effective"`
	ThresholdSeconds float64     `json:"threshold_seconds"`

	Selected []string `json:"selected"`
	Pinned   []string `json:"pinned"`

	TotalWeight     float64 `json:"total_weight"`
	CoveredWeight   float64 `json:"covered_weight"`
	BaselineWeight  float64 `json:"baseline_weight"`
	UncoveredWeight float64 `json:"uncovered_weight"`
	CoveredShare    float64 `json:"covered_share"`
	Bound           float64 `json:"bound,omitempty"`
	Nodes           int     `json:"nodes,omitempty"`

	Steps       []StepRow         `json:"steps"`
	Sites       []SiteRow         `json:"sites"`
	Demand      []DemandRow       `json:"demand"`
	Diagnostics []snap.Diagnostic `json:"diagnostics,omitempty"`
}

// Assemble joins a selection with the matrix and inputs it was computed
// from. Per-demand coverage is recomputed from the matrix, so CoveredWeight
// always agrees with the Demand rows.
func Assemble(sel *mclp.Selection, m *coverage.Matrix, points []demand.DemandPoint, sites []demand.CandidateSite, diags []snap.Diagnostic) (*Result, error) {
	if sel == nil || m == nil {
		return nil, eris.New("result: selection and matrix are required")
	}
	pointByID := make(map[string]demand.DemandPoint, len(points))
	for _, p := range points {
		pointByID[p.ID] = p
	}
	siteByID := make(map[string]demand.CandidateSite, len(sites))
	for _, s := range sites {
		siteByID[s.ID] = s
	}
	col := make(map[string]int, m.NumSites())
	for s := 0; s < m.NumSites(); s++ {
		col[m.SiteID(s)] = s
	}

	var selectedCols []int
	for _, id := range sel.Selected {
		c, ok := col[id]
		if !ok {
			return nil, eris.Errorf("result: selected site %q not in matrix", id)
		}
		selectedCols = append(selectedCols, c)
	}

	r := &Result{
		Mode:             sel.Mode,
		Status:           sel.Status,
		Requested:        sel.Requested,
		Effective:        sel.Effective,
		ThresholdSeconds: m.Threshold(),
		Selected:         append([]string{}, sel.Selected...),
		Pinned:           append([]string{}, sel.Pinned...),
		BaselineWeight:   sel.BaselineWeight,
		Bound:            sel.Bound,
		Nodes:            sel.Nodes,
		Diagnostics:      diags,
		Steps:            []StepRow{},
	}

	for d := 0; d < m.NumDemand(); d++ {
		p, ok := pointByID[m.DemandID(d)]
		if !ok {
			return nil, eris.Errorf("result: demand %q not in input", m.DemandID(d))
		}
		row := DemandRow{ID: p.ID, Weight: p.Weight, Snapped: m.DemandSnapped(d), BestSeconds: math.Inf(1)}
		// A nil column list means every site to BestSeconds.
		if len(selectedCols) > 0 {
			if best, c := m.BestSeconds(d, selectedCols); c >= 0 {
				row.BestSeconds = best
				row.BestSite = m.SiteID(c)
				row.Covered = best <= m.Threshold()
			}
		}
		r.TotalWeight += p.Weight
		if row.Covered {
			r.CoveredWeight += p.Weight
		}
		r.Demand = append(r.Demand, row)
	}
	r.UncoveredWeight = r.TotalWeight - r.CoveredWeight
	r.CoveredShare = share(r.CoveredWeight, r.TotalWeight)

	rank := map[string]int{}
	for i, st := range sel.Steps {
		rank[st.SiteID] = i + 1
		r.Steps = append(r.Steps, StepRow{
			Rank:            i + 1,
			SiteID:          st.SiteID,
			Gain:            st.Gain,
			Cumulative:      st.Cumulative,
			CumulativeShare: share(st.Cumulative, r.TotalWeight),
		})
	}
	pinned := map[string]bool{}
	for _, id := range sel.Pinned {
		pinned[id] = true
	}
	for s := 0; s < m.NumSites(); s++ {
		id := m.SiteID(s)
		site := siteByID[id]
		row := SiteRow{
			ID:       id,
			Name:     site.Name,
			Lon:      site.LonLat.Lon(),
			Lat:      site.LonLat.Lat(),
			Existing: site.Existing,
			Snapped:  m.SiteSnapped(s),
			Pinned:   pinned[id],
			Rank:     rank[id],
		}
		row.Selected = row.Pinned || row.Rank > 0
		if row.Rank > 0 {
			row.Gain = sel.Steps[row.Rank-1].Gain
		}
		for _, d := range m.CoveredBy(s) {
			row.ReachWeight += pointByID[m.DemandID(d)].Weight
			row.ReachCount++
		}
		r.Sites = append(r.Sites, row)
	}
	return r, nil
}

// SelectedSites returns the site rows in Selected order.
func (r *Result) SelectedSites() []SiteRow {
	byID := make(map[string]SiteRow, len(r.Sites))
	for _, s := range r.Sites {
		byID[s.ID] = s
	}
	out := make([]SiteRow, 0, len(r.Selected))
	for _, id := range r.Selected {
		out = append(out, byID[id])
	}
	return out
}

func share(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return part / total
}
