// Package demand loads the demand points and candidate sites consumed by a
// coverage run, and derives demand weights from tract attributes.
package demand

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
)

// DemandPoint is one spatial unit of heat risk, usually a tract centroid.
type DemandPoint struct {
	ID     string    `json:"id"`
	LonLat orb.Point `json:"lon_lat"`
	Weight float64   `json:"weight"`
}

// CandidateSite is a facility location. Existing sites already operate and
// may be pinned into every selection.
type CandidateSite struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	LonLat   orb.Point `json:"lon_lat"`
	Existing bool      `json:"existing"`
}

// ValidateDemand rejects empty or duplicate identifiers and weights that are
// negative, NaN or infinite.
func ValidateDemand(points []DemandPoint) error {
	seen := make(map[string]bool, len(points))
	for i, p := range points {
		if p.ID == "" {
			return eris.Errorf("demand: point %d has no id", i)
		}
		if seen[p.ID] {
			return eris.Errorf("demand: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) || p.Weight < 0 {
			return eris.Errorf("demand: point %q has invalid weight %v", p.ID, p.Weight)
		}
	}
	return nil
}

// ValidateSites rejects empty or duplicate identifiers.
func ValidateSites(sites []CandidateSite) error {
	seen := make(map[string]bool, len(sites))
	for i, s := range sites {
		if s.ID == "" {
			return eris.Errorf("demand: site %d has no id", i)
		}
		if seen[s.ID] {
			return eris.Errorf("demand: duplicate site id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// SiteBound returns the lon/lat bounding box of the sites.
func SiteBound(sites []CandidateSite) (orb.Bound, bool) {
	if len(sites) == 0 {
		return orb.Bound{}, false
	}
	b := orb.Bound{Min: sites[0].LonLat, Max: sites[0].LonLat}
	for _, s := range sites[1:] {
		b = b.Extend(s.LonLat)
	}
	return b, true
}
