// Package density estimates hexagon population density from area-weighted
// intersections with census tracts.
package density

import (
	"math"

	"github.com/golang/geo/s2"
	"github.com/twpayne/go-geos"

	"github.com/bsaid97/hexdensity/utils"
)

// EarthRadiusMeters is the mean radius of the WGS84 ellipsoid.
const EarthRadiusMeters = 6371008.8

// AreaFunc measures a polygonal geometry in m². Non-polygonal parts count as
// zero.
type AreaFunc func(g *geos.Geom) float64

// Area model names accepted by AreaModel.
const (
	ModelSpherical = "spherical"
	ModelPlanar    = "planar"
)

// AreaModel returns the AreaFunc for name, defaulting to SphericalArea.
func AreaModel(name string) AreaFunc {
	if name == ModelPlanar {
		return PlanarArea
	}
	return SphericalArea
}

// SphericalArea treats coordinates as lng/lat degrees on a sphere of
// EarthRadiusMeters. Holes are subtracted from their shells.
func SphericalArea(g *geos.Geom) float64 {
	if g == nil || g.IsEmpty() {
		return 0
	}
	var total float64
	for _, polygon := range utils.PolygonRings(g) {
		for i, ring := range polygon {
			a := ringArea(ring)
			if i == 0 {
				total += a
			} else {
				total -= a
			}
		}
	}
	if total < 0 {
		return 0
	}
	return total
}

// PlanarArea is the GEOS area, for coordinates already in meters.
func PlanarArea(g *geos.Geom) float64 {
	if g == nil || g.IsEmpty() {
		return 0
	}
	return g.Area()
}

// ringArea returns the area enclosed by a closed lng/lat ring. The loop is
// normalized so orientation does not matter.
func ringArea(ring [][]float64) float64 {
	if len(ring) < 4 || utils.SignedArea(ring) == 0 {
		return 0
	}
	n := len(ring) - 1
	if first, last := ring[0], ring[n]; first[0] != last[0] || first[1] != last[1] {
		n++
	}
	points := make([]s2.Point, 0, n)
	for _, c := range ring[:n] {
		p := s2.PointFromLatLng(s2.LatLngFromDegrees(c[1], c[0]))
		if len(points) > 0 && points[len(points)-1] == p {
			continue
		}
		points = append(points, p)
	}
	if len(points) < 3 {
		return 0
	}
	loop := s2.LoopFromPoints(points)
	loop.Normalize()
	a := loop.Area() * EarthRadiusMeters * EarthRadiusMeters
	if math.IsNaN(a) {
		return 0
	}
	return a
}
