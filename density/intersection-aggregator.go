package density

import (
	"math"

	"github.com/twpayne/go-geos"
)

// Record is the density estimate of one hexagon. Density is people per km²
// and nil when the hexagon has no measurable area.
type Record struct {
	Hex                 string   `json:"hex"`
	Density             *float64 `json:"density"`
	EstimatedPopulation float64  `json:"estimatedPopulation"`
	Degenerate          bool     `json:"degenerate,omitempty"`
}

// Value returns the density, or 0 for a degenerate record.
func (r Record) Value() float64 {
	if r.Density == nil {
		return 0
	}
	return *r.Density
}

// Aggregator accumulates area-weighted tract populations for hexagons.
type Aggregator struct {
	Area AreaFunc
}

func NewAggregator(area AreaFunc) Aggregator {
	if area == nil {
		area = SphericalArea
	}
	return Aggregator{Area: area}
}

// Accumulate returns the population tract contributes to hex: the area of
// their intersection in km² times the tract density. ok is false when the
// two do not overlap.
func (a Aggregator) Accumulate(hex, tract *geos.Geom, density float64) (population float64, ok bool) {
	inter := hex.Intersection(tract)
	if inter == nil {
		return 0, false
	}
	defer inter.Destroy()
	if inter.IsEmpty() {
		return 0, false
	}
	area := a.Area(inter)
	if area <= 0 {
		return 0, false
	}
	return area / 1e6 * density, true
}

// Finalize turns an accumulated population into a Record. A hexagon with zero
// (or unmeasurable) area gets a nil density instead of NaN.
func (a Aggregator) Finalize(hexID string, totalPopulation, hexAreaM2 float64) Record {
	r := Record{Hex: hexID, EstimatedPopulation: totalPopulation}
	if hexAreaM2 <= 0 || math.IsNaN(hexAreaM2) || math.IsInf(hexAreaM2, 0) {
		r.Degenerate = true
		return r
	}
	d := totalPopulation / (hexAreaM2 / 1e6)
	r.Density = &d
	return r
}
