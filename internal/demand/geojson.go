package demand

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/coolsite/internal/geo"
)

func readFeatures(r io.Reader) ([]*geojson.Feature, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "demand: read geojson")
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "demand: decode feature collection")
	}
	return fc.Features, nil
}

// ReadTractsGeoJSON reads tract polygons or points from a FeatureCollection.
// Each feature needs a GEOID property (or feature id); HVI, RISK, POP and ej
// are optional. Polygons are represented by their centroid.
func ReadTractsGeoJSON(r io.Reader) ([]Tract, error) {
	features, err := readFeatures(r)
	if err != nil {
		return nil, err
	}
	tracts := make([]Tract, 0, len(features))
	for i, f := range features {
		id := propString(f.Properties, "GEOID", "geoid", "id")
		if id == "" {
			id = f.ID
		}
		if id == "" {
			return nil, eris.Errorf("demand: tract feature %d has no GEOID", i)
		}
		pt, err := representative(f.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "demand: tract %s", id)
		}
		ej, _ := propBool(f.Properties, "ej", "EJ")
		tracts = append(tracts, Tract{
			ID:     id,
			LonLat: pt,
			HVI:    propFloat(f.Properties, "HVI", "hvi"),
			Risk:   propFloat(f.Properties, "RISK", "risk"),
			Pop:    propFloat(f.Properties, "POP", "pop", "population"),
			EJ:     ej,
		})
	}
	return tracts, nil
}

// ReadSitesGeoJSON reads candidate sites from point features. The id comes
// from an "id" property or the feature id; "existing" marks operating sites.
func ReadSitesGeoJSON(r io.Reader) ([]CandidateSite, error) {
	features, err := readFeatures(r)
	if err != nil {
		return nil, err
	}
	sites := make([]CandidateSite, 0, len(features))
	for i, f := range features {
		id := propString(f.Properties, "id", "site_id", "ID")
		if id == "" {
			id = f.ID
		}
		if id == "" {
			return nil, eris.Errorf("demand: site feature %d has no id", i)
		}
		pt, err := representative(f.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "demand: site %s", id)
		}
		existing, _ := propBool(f.Properties, "existing")
		sites = append(sites, CandidateSite{
			ID:       id,
			Name:     propString(f.Properties, "name", "NAME"),
			LonLat:   pt,
			Existing: existing,
		})
	}
	if err := ValidateSites(sites); err != nil {
		return nil, err
	}
	return sites, nil
}

func representative(g geom.T) (orb.Point, error) {
	if g == nil {
		return orb.Point{}, eris.New("no geometry")
	}
	return geo.Representative(g)
}

func propString(props map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func propFloat(props map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		switch v := props[k].(type) {
		case float64:
			return &v
		case string:
			if f := parseFloat(v); f != nil {
				return f
			}
		}
	}
	return nil
}

func propBool(props map[string]interface{}, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := props[k].(type) {
		case bool:
			return v, true
		case float64:
			return v != 0, true
		case string:
			if b, ok := parseFlag(v); ok {
				return b, true
			}
		}
	}
	return false, false
}
