// Package boundary extracts the region outline that the hexagon grid is
// generated over.
package boundary

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// ErrUnsupportedGeometry is returned for geometry types other than Polygon
// and MultiPolygon, and for unrecognized GeoJSON wrappers.
var ErrUnsupportedGeometry = errors.New("unsupported geometry")

// MultiPolygon handling modes.
const (
	MultiPolygonFirst = "first"
	MultiPolygonAll   = "all"
)

// LatLng is a latitude-first coordinate in degrees.
type LatLng struct {
	Lat float64
	Lng float64
}

// Boundary holds outer rings in latitude-first order. Rings[0] is the outer
// ring of the first polygon; more rings exist only in MultiPolygonAll mode.
type Boundary struct {
	Rings [][]LatLng
}

// OuterRing returns the first outer ring.
func (b Boundary) OuterRing() []LatLng {
	if len(b.Rings) == 0 {
		return nil
	}
	return b.Rings[0]
}

// Parts returns the number of outer rings.
func (b Boundary) Parts() int {
	return len(b.Rings)
}

// GeoJSONRing returns ring i in GeoJSON [lng, lat] order, closed.
func (b Boundary) GeoJSONRing(i int) [][]float64 {
	ring := b.Rings[i]
	out := make([][]float64, 0, len(ring)+1)
	for _, p := range ring {
		out = append(out, []float64{p.Lng, p.Lat})
	}
	if n := len(ring); n > 0 && ring[0] != ring[n-1] {
		out = append(out, []float64{ring[0].Lng, ring[0].Lat})
	}
	return out
}

type Options struct {
	// MultiPolygon is MultiPolygonFirst (default) or MultiPolygonAll.
	MultiPolygon string
}

type envelope struct {
	Type string `json:"type"`
}

// Normalize decodes a GeoJSON Feature, FeatureCollection (first feature) or
// bare Polygon/MultiPolygon and returns its outer ring(s) latitude-first.
func Normalize(data []byte, opts Options) (Boundary, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Boundary{}, fmt.Errorf("decoding boundary: %w", err)
	}

	var g geom.T
	switch env.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return Boundary{}, fmt.Errorf("decoding feature collection: %w", err)
		}
		if len(fc.Features) == 0 || fc.Features[0] == nil {
			return Boundary{}, fmt.Errorf("%w: feature collection has no features", ErrUnsupportedGeometry)
		}
		g = fc.Features[0].Geometry
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return Boundary{}, fmt.Errorf("decoding feature: %w", err)
		}
		g = f.Geometry
	case "Polygon", "MultiPolygon":
		if err := geojson.Unmarshal(data, &g); err != nil {
			return Boundary{}, fmt.Errorf("decoding geometry: %w", err)
		}
	default:
		return Boundary{}, fmt.Errorf("%w: wrapper type %q", ErrUnsupportedGeometry, env.Type)
	}

	return FromGeometry(g, opts)
}

// FromGeometry normalizes an already decoded geometry.
func FromGeometry(g geom.T, opts Options) (Boundary, error) {
	var rings [][]LatLng
	switch t := g.(type) {
	case *geom.Polygon:
		if t.NumLinearRings() == 0 {
			return Boundary{}, fmt.Errorf("%w: empty polygon", ErrUnsupportedGeometry)
		}
		rings = append(rings, latLngRing(t.LinearRing(0)))
	case *geom.MultiPolygon:
		n := t.NumPolygons()
		if n == 0 || t.Polygon(0).NumLinearRings() == 0 {
			return Boundary{}, fmt.Errorf("%w: empty multipolygon", ErrUnsupportedGeometry)
		}
		if opts.MultiPolygon != MultiPolygonAll {
			n = 1
		}
		for i := 0; i < n; i++ {
			p := t.Polygon(i)
			if p.NumLinearRings() == 0 {
				continue
			}
			rings = append(rings, latLngRing(p.LinearRing(0)))
		}
	case nil:
		return Boundary{}, fmt.Errorf("%w: missing geometry", ErrUnsupportedGeometry)
	default:
		return Boundary{}, fmt.Errorf("%w: geometry type %T", ErrUnsupportedGeometry, g)
	}

	for i, ring := range rings {
		if len(ring) < 3 {
			return Boundary{}, fmt.Errorf("%w: ring %d has %d vertices", ErrUnsupportedGeometry, i, len(ring))
		}
	}
	return Boundary{Rings: rings}, nil
}

// latLngRing swaps GeoJSON [lng, lat] into latitude-first order.
func latLngRing(r *geom.LinearRing) []LatLng {
	coords := r.Coords()
	ring := make([]LatLng, len(coords))
	for i, c := range coords {
		ring[i] = LatLng{Lat: c.Y(), Lng: c.X()}
	}
	return ring
}
