package geo

import (
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// ToOrb converts the go-geom geometries produced by the GeoJSON, WKB and
// shapefile readers into orb geometries.
func ToOrb(g geom.T) (orb.Geometry, error) {
	switch v := g.(type) {
	case *geom.Point:
		return coordPoint(v.Coords()), nil
	case *geom.MultiPoint:
		out := make(orb.MultiPoint, 0, v.NumPoints())
		for _, c := range v.Coords() {
			out = append(out, coordPoint(c))
		}
		return out, nil
	case *geom.LineString:
		return lineString(v.Coords()), nil
	case *geom.Polygon:
		return polygon(v.Coords()), nil
	case *geom.MultiPolygon:
		out := make(orb.MultiPolygon, 0, v.NumPolygons())
		for _, rings := range v.Coords() {
			out = append(out, polygon(rings))
		}
		return out, nil
	case nil:
		return nil, eris.New("geo: nil geometry")
	default:
		return nil, eris.Errorf("geo: unsupported geometry %T", g)
	}
}

// PointGeom converts an orb point to a go-geom point in WGS84.
func PointGeom(p orb.Point) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{p.X(), p.Y()}).SetSRID(4326)
}

// Representative returns the point used to stand in for a geometry: the
// point itself, or the area-weighted centroid for polygons.
func Representative(g geom.T) (orb.Point, error) {
	if p, ok := g.(*geom.Point); ok {
		return coordPoint(p.Coords()), nil
	}
	c, err := xy.Centroid(g)
	if err != nil {
		return orb.Point{}, eris.Wrap(err, "geo: centroid")
	}
	if len(c) < 2 {
		return orb.Point{}, eris.New("geo: empty centroid")
	}
	return orb.Point{c[0], c[1]}, nil
}

func coordPoint(c geom.Coord) orb.Point {
	if len(c) < 2 {
		return orb.Point{}
	}
	return orb.Point{c[0], c[1]}
}

func lineString(cs []geom.Coord) orb.LineString {
	out := make(orb.LineString, len(cs))
	for i, c := range cs {
		out[i] = coordPoint(c)
	}
	return out
}

func polygon(rings [][]geom.Coord) orb.Polygon {
	out := make(orb.Polygon, len(rings))
	for i, r := range rings {
		out[i] = orb.Ring(lineString(r))
	}
	return out
}
