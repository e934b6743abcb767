package demand

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/fetcher"
)

// Tract is a demand unit as read from a source, before weighting. Missing
// attributes are nil.
type Tract struct {
	ID     string
	LonLat orb.Point
	HVI    *float64
	Risk   *float64
	Pop    *float64
	EJ     bool
}

// Weight bases.
const (
	WeightByHVI  = "hvi"
	WeightByRisk = "risk"
)

// WeightOptions controls BuildWeights.
type WeightOptions struct {
	// By is "hvi" (default) or "risk". Risk falls back to HVI per tract.
	By string
	// Population multiplies each weight by the tract population.
	Population bool
	// EquityWeight multiplies the weight of EJ tracts; 0 or 1 disables.
	EquityWeight float64
	// EJ flags tracts by id in addition to Tract.EJ.
	EJ map[string]bool
}

// BuildWeights turns tracts into weighted demand points. The base is HVI; a
// tract with a missing or NaN HVI weighs 0, unless no tract carries HVI at
// all, in which case every base is 1. With By=risk the tract's RISK
// replaces the base when present. The base is clipped to [0, 1] before the
// population and equity multipliers apply.
func BuildWeights(tracts []Tract, opts WeightOptions) ([]DemandPoint, error) {
	by := strings.ToLower(opts.By)
	switch {
	case by == "" || by == WeightByHVI:
		by = WeightByHVI
	case strings.HasPrefix(by, WeightByRisk):
		by = WeightByRisk
	default:
		return nil, eris.Errorf("demand: unknown weight basis %q", opts.By)
	}
	if opts.EquityWeight < 0 || math.IsNaN(opts.EquityWeight) || math.IsInf(opts.EquityWeight, 0) {
		return nil, eris.Errorf("demand: invalid equity weight %v", opts.EquityWeight)
	}

	hasHVI := false
	for _, t := range tracts {
		if t.HVI != nil {
			hasHVI = true
			break
		}
	}

	var riskFallbacks, noHVI, noPop, equityBumped int
	points := make([]DemandPoint, 0, len(tracts))
	for _, t := range tracts {
		base := 1.0
		if hasHVI {
			base = 0
			if v, ok := value(t.HVI); ok {
				base = v
			} else {
				noHVI++
			}
		}
		if by == WeightByRisk {
			if v, ok := value(t.Risk); ok {
				base = v
			} else {
				riskFallbacks++
			}
		}
		w := math.Min(math.Max(base, 0), 1)

		if opts.Population {
			if v, ok := value(t.Pop); ok && v >= 0 {
				w *= v
			} else {
				noPop++
			}
		}
		if opts.EquityWeight > 0 && opts.EquityWeight != 1 && (t.EJ || opts.EJ[t.ID]) {
			w *= opts.EquityWeight
			equityBumped++
		}
		points = append(points, DemandPoint{ID: t.ID, LonLat: t.LonLat, Weight: w})
	}
	if err := ValidateDemand(points); err != nil {
		return nil, err
	}

	zap.L().Debug("demand: weights built",
		zap.String("by", by),
		zap.Int("tracts", len(tracts)),
		zap.Bool("hvi", hasHVI),
		zap.Int("missing_hvi", noHVI),
		zap.Int("risk_fallbacks", riskFallbacks),
		zap.Int("missing_population", noPop),
		zap.Int("equity_bumped", equityBumped),
	)
	return points, nil
}

func value(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	return *p, true
}

// ReadEquityTable reads a GEOID,ej table (CSV or XLSX) and returns the ids
// flagged with a non-zero ej value.
func ReadEquityTable(ctx context.Context, path string) (map[string]bool, error) {
	t, err := fetcher.ReadTable(ctx, path)
	if err != nil {
		return nil, eris.Wrap(err, "demand: read equity table")
	}
	idCol, ejCol := t.Column("GEOID"), t.Column("ej")
	if idCol < 0 || ejCol < 0 {
		return nil, eris.Errorf("demand: equity table %s needs GEOID and ej columns", path)
	}
	out := map[string]bool{}
	for _, row := range t.Rows {
		if idCol >= len(row) || ejCol >= len(row) {
			continue
		}
		if v, ok := parseFlag(row[ejCol]); ok && v {
			out[strings.TrimSpace(row[idCol])] = true
		}
	}
	return out, nil
}

// parseFlag accepts booleans and numbers; any non-zero number is true.
func parseFlag(s string) (bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, true
	}
	switch strings.ToLower(s) {
	case "yes", "y":
		return true, true
	case "no", "n":
		return false, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0, true
	}
	return false, false
}

func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
