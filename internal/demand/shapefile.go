package demand

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// ReadTractsShapefile reads tracts from an ESRI shapefile with GEOID and
// optional HVI, RISK, POP and EJ attribute columns.
func ReadTractsShapefile(path string) ([]Tract, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "demand: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fieldIdx := map[string]int{}
	for i, f := range reader.Fields() {
		fieldIdx[strings.ToLower(strings.TrimRight(f.String(), "\x00"))] = i
	}
	if _, ok := fieldIdx["geoid"]; !ok {
		return nil, eris.Errorf("demand: shapefile %s has no GEOID field", path)
	}
	attr := func(name string) string {
		idx, ok := fieldIdx[name]
		if !ok {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
	}

	var tracts []Tract
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()
		g, err := shapeGeom(shape)
		if err != nil {
			return nil, eris.Wrapf(err, "demand: shapefile %s record %d", path, n)
		}
		if g == nil {
			skipped++
			continue
		}
		pt, err := representative(g)
		if err != nil {
			skipped++
			continue
		}
		id := attr("geoid")
		if id == "" {
			skipped++
			continue
		}
		ej, _ := parseFlag(attr("ej"))
		tracts = append(tracts, Tract{
			ID:     id,
			LonLat: pt,
			HVI:    parseFloat(attr("hvi")),
			Risk:   parseFloat(attr("risk")),
			Pop:    parseFloat(attr("pop")),
			EJ:     ej,
		})
	}
	if skipped > 0 {
		zap.L().Warn("demand: skipped shapefile records", zap.String("path", path), zap.Int("skipped", skipped))
	}
	return tracts, nil
}

// shapeGeom converts a point or polygon shape; other types yield nil.
func shapeGeom(shape shp.Shape) (geom.T, error) {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}), nil
	case *shp.Polygon:
		return polygonGeom(s)
	}
	return nil, nil
}

// polygonGeom groups shapefile rings into polygons. Outer rings run
// clockwise; counter-clockwise rings are holes of the preceding outer ring.
func polygonGeom(p *shp.Polygon) (geom.T, error) {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil, nil
	}
	mp := geom.NewMultiPolygon(geom.XY)
	var current *geom.Polygon
	flush := func() error {
		if current == nil {
			return nil
		}
		return eris.Wrap(mp.Push(current), "push polygon")
	}
	for i := int32(0); i < p.NumParts; i++ {
		start, end := p.Parts[i], int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || end > int32(len(p.Points)) || end-start < 4 {
			continue
		}
		flat := make([]float64, 0, 2*(end-start))
		for _, pt := range p.Points[start:end] {
			flat = append(flat, pt.X, pt.Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)
		if signedArea(flat) <= 0 || current == nil {
			if err := flush(); err != nil {
				return nil, err
			}
			current = geom.NewPolygon(geom.XY)
		}
		if err := current.Push(ring); err != nil {
			return nil, eris.Wrapf(err, "push ring %d", i)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	switch mp.NumPolygons() {
	case 0:
		return nil, nil
	case 1:
		return mp.Polygon(0), nil
	}
	return mp, nil
}

// signedArea is positive for counter-clockwise rings.
func signedArea(flat []float64) float64 {
	var a float64
	n := len(flat) / 2
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		a += flat[2*i]*flat[2*j+1] - flat[2*j]*flat[2*i+1]
	}
	return a / 2
}
