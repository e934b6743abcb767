// Package geo holds the coordinate helpers shared by network building,
// snapping and ingestion: geodesic distance, the local planar projection,
// and conversion between go-geom and orb geometries.
package geo

import (
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
)

// EarthRadiusM is the mean Earth radius used for geodesic distances.
const EarthRadiusM = 6371008.8

// DistanceM returns the great-circle distance in metres between two lon/lat
// points.
func DistanceM(a, b orb.Point) float64 {
	return angle(a, b).Radians() * EarthRadiusM
}

func angle(a, b orb.Point) s1.Angle {
	return s2.LatLngFromDegrees(a.Lat(), a.Lon()).Distance(s2.LatLngFromDegrees(b.Lat(), b.Lon()))
}

// PathLengthM sums DistanceM over consecutive vertices.
func PathLengthM(pts []orb.Point) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += DistanceM(pts[i-1], pts[i])
	}
	return total
}
