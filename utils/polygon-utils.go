package utils

import (
	"fmt"
	"math"

	"github.com/twpayne/go-geos"
)

// PRECISION is the number of decimals kept when coordinates are written out.
var PRECISION int = 7

// CloseRing returns ring with its first vertex repeated at the end, unless it
// is already closed.
func CloseRing(ring [][]float64) [][]float64 {
	if len(ring) == 0 {
		return ring
	}
	first, last := ring[0], ring[len(ring)-1]
	if first[0] == last[0] && first[1] == last[1] {
		return ring
	}
	closed := make([][]float64, len(ring), len(ring)+1)
	copy(closed, ring)
	return append(closed, []float64{first[0], first[1]})
}

// SignedArea is the shoelace area of a ring in its own units; negative for
// clockwise rings.
func SignedArea(ring [][]float64) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return sum / 2
}

// NewPolygon builds a GEOS polygon from closed rings in ctx. The first ring is
// the shell. Rings with fewer than four vertices are rejected.
func NewPolygon(ctx *geos.Context, rings [][][]float64) (*geos.Geom, error) {
	if len(rings) == 0 {
		return nil, fmt.Errorf("polygon has no rings")
	}
	closed := make([][][]float64, 0, len(rings))
	for i, ring := range rings {
		ring = CloseRing(ring)
		if len(ring) < 4 {
			return nil, fmt.Errorf("ring %d has %d vertices, need at least 4", i, len(ring))
		}
		closed = append(closed, ring)
	}
	return ctx.NewPolygon(closed), nil
}

// PolygonRings lists the rings of every polygon in g (Polygon, MultiPolygon
// or a collection of them) as shell-first coordinate slices.
func PolygonRings(g *geos.Geom) [][][][]float64 {
	switch g.TypeID() {
	case geos.TypeIDPolygon:
		if g.IsEmpty() {
			return nil
		}
		rings := [][][]float64{g.ExteriorRing().CoordSeq().ToCoords()}
		for i := 0; i < g.NumInteriorRings(); i++ {
			rings = append(rings, g.InteriorRing(i).CoordSeq().ToCoords())
		}
		return [][][][]float64{rings}
	case geos.TypeIDMultiPolygon, geos.TypeIDGeometryCollection:
		var polygons [][][][]float64
		for i := 0; i < g.NumGeometries(); i++ {
			polygons = append(polygons, PolygonRings(g.Geometry(i))...)
		}
		return polygons
	default:
		return nil
	}
}

// GeomBox returns the bounding box of g.
func GeomBox(g *geos.Geom) Box {
	b := g.Bounds()
	return Box{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY}
}

// TruncateRing rounds every coordinate of ring to PRECISION decimals.
func TruncateRing(ring [][]float64) [][]float64 {
	out := make([][]float64, len(ring))
	for i, c := range ring {
		x, y := truncateCoordinates(c[0], c[1])
		out[i] = []float64{x, y}
	}
	return out
}

func truncateCoordinates(x float64, y float64) (float64, float64) {
	return roundFloat(x, uint(PRECISION)), roundFloat(y, uint(PRECISION))
}

func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
