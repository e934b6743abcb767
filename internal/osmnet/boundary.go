package osmnet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/coolsite/internal/geo"
)

// Boundary is the study area in WGS84 lon/lat: a bounding box, optionally
// refined by a polygon.
type Boundary struct {
	bound   orb.Bound
	polygon orb.MultiPolygon
}

// NewBBox builds a rectangular boundary.
func NewBBox(minLon, minLat, maxLon, maxLat float64) (Boundary, error) {
	for _, v := range []float64{minLon, minLat, maxLon, maxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Boundary{}, eris.New("osmnet: bbox has non-finite coordinate")
		}
	}
	if minLon >= maxLon || minLat >= maxLat {
		return Boundary{}, eris.Errorf("osmnet: empty bbox %v,%v,%v,%v", minLon, minLat, maxLon, maxLat)
	}
	if minLon < -180 || maxLon > 180 || minLat < -90 || maxLat > 90 {
		return Boundary{}, eris.New("osmnet: bbox outside lon/lat range")
	}
	return Boundary{bound: orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}}, nil
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (Boundary, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Boundary{}, eris.Errorf("osmnet: bbox %q must have 4 comma-separated values", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Boundary{}, eris.Wrapf(err, "osmnet: bbox value %q", p)
		}
		v[i] = f
	}
	return NewBBox(v[0], v[1], v[2], v[3])
}

// FromPolygon builds a boundary from polygonal geometry.
func FromPolygon(mp orb.MultiPolygon) (Boundary, error) {
	if len(mp) == 0 || len(mp[0]) == 0 || len(mp[0][0]) < 4 {
		return Boundary{}, eris.New("osmnet: boundary polygon is empty")
	}
	b := mp.Bound()
	out, err := NewBBox(b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat())
	if err != nil {
		return Boundary{}, err
	}
	out.polygon = mp
	return out, nil
}

// ReadGeoJSON reads a boundary from a GeoJSON geometry, Feature or
// FeatureCollection. Every Polygon and MultiPolygon found is merged.
func ReadGeoJSON(r io.Reader) (Boundary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Boundary{}, eris.Wrap(err, "osmnet: read boundary")
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Boundary{}, eris.Wrap(err, "osmnet: decode boundary")
	}

	var geoms []geom.T
	switch head.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return Boundary{}, eris.Wrap(err, "osmnet: decode boundary collection")
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return Boundary{}, eris.Wrap(err, "osmnet: decode boundary feature")
		}
		geoms = append(geoms, f.Geometry)
	default:
		var g geom.T
		if err := geojson.Unmarshal(data, &g); err != nil {
			return Boundary{}, eris.Wrap(err, "osmnet: decode boundary geometry")
		}
		geoms = append(geoms, g)
	}

	var mp orb.MultiPolygon
	for _, g := range geoms {
		og, err := geo.ToOrb(g)
		if err != nil {
			continue
		}
		switch v := og.(type) {
		case orb.Polygon:
			mp = append(mp, v)
		case orb.MultiPolygon:
			mp = append(mp, v...)
		}
	}
	if len(mp) == 0 {
		return Boundary{}, eris.New("osmnet: boundary contains no polygon")
	}
	return FromPolygon(mp)
}

// Bound returns the bounding box.
func (b Boundary) Bound() orb.Bound { return b.bound }

// IsZero reports whether b is unset.
func (b Boundary) IsZero() bool { return b.bound == orb.Bound{} }

// HasPolygon reports whether b is refined by a polygon.
func (b Boundary) HasPolygon() bool { return len(b.polygon) > 0 }

// Contains reports whether a lon/lat point lies inside the boundary.
func (b Boundary) Contains(p orb.Point) bool {
	if !b.bound.Contains(p) {
		return false
	}
	if len(b.polygon) == 0 {
		return true
	}
	return planar.MultiPolygonContains(b.polygon, p)
}

// Clip intersects the bounding box with bb. The polygon, if any, is kept.
// The second return is false when the intersection is empty.
func (b Boundary) Clip(bb orb.Bound) (Boundary, bool) {
	if !b.bound.Intersects(bb) {
		return Boundary{}, false
	}
	out := b
	out.bound = orb.Bound{
		Min: orb.Point{math.Max(b.bound.Min.Lon(), bb.Min.Lon()), math.Max(b.bound.Min.Lat(), bb.Min.Lat())},
		Max: orb.Point{math.Min(b.bound.Max.Lon(), bb.Max.Lon()), math.Min(b.bound.Max.Lat(), bb.Max.Lat())},
	}
	if out.bound.Min.Lon() >= out.bound.Max.Lon() || out.bound.Min.Lat() >= out.bound.Max.Lat() {
		return Boundary{}, false
	}
	return out, true
}

// Projection returns the local planar projection anchored at the centre of
// the bounding box.
func (b Boundary) Projection() geo.Projection {
	return geo.NewProjection(b.bound.Center())
}

// Key is a stable digest of the boundary used as a cache key. Coordinates
// are rounded to 1e-7 degrees (about 1 cm).
func (b Boundary) Key() string {
	h := sha256.New()
	write := func(p orb.Point) {
		fmt.Fprintf(h, "%.7f,%.7f;", p.Lon(), p.Lat())
	}
	write(b.bound.Min)
	write(b.bound.Max)
	for _, poly := range b.polygon {
		h.Write([]byte("P"))
		for _, ring := range poly {
			h.Write([]byte("R"))
			for _, p := range ring {
				write(p)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (b Boundary) String() string {
	return fmt.Sprintf("bbox(%.5f,%.5f,%.5f,%.5f)", b.bound.Min.Lon(), b.bound.Min.Lat(), b.bound.Max.Lon(), b.bound.Max.Lat())
}
