// Package hexgrid enumerates H3 cells covering a boundary and reconstructs
// cell geometry from identifiers.
package hexgrid

import (
	"errors"
	"fmt"
	"sort"

	"github.com/twpayne/go-geos"
	"github.com/uber/h3-go/v4"

	"github.com/bsaid97/hexdensity/boundary"
)

// MaxResolution is the finest H3 tier.
const MaxResolution = 15

var (
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrInvalidCell       = errors.New("invalid cell identifier")
)

// ValidateResolution reports whether res is a supported H3 tier.
func ValidateResolution(res int) error {
	if res < 0 || res > MaxResolution {
		return fmt.Errorf("%w: %d (want 0..%d)", ErrInvalidResolution, res, MaxResolution)
	}
	return nil
}

// Generate returns the sorted identifiers of every cell at res whose polygon
// intersects b. Cells whose centroid falls inside b come from H3 polyfill;
// cells straddling the outline are found by walking outward from the cells
// under each boundary vertex and keeping every neighbor whose polygon touches
// the outline.
func Generate(b boundary.Boundary, res int) ([]string, error) {
	if err := ValidateResolution(res); err != nil {
		return nil, err
	}
	if b.Parts() == 0 {
		return nil, fmt.Errorf("boundary has no rings")
	}

	ctx := geos.NewContext()
	cells := make(map[h3.Cell]struct{})

	for i, ring := range b.Rings {
		loop := make(h3.GeoLoop, 0, len(ring))
		for _, p := range ring {
			loop = append(loop, h3.NewLatLng(p.Lat, p.Lng))
		}
		filled, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, res)
		if err != nil {
			return nil, fmt.Errorf("polyfill ring %d: %w", i, err)
		}
		for _, c := range filled {
			cells[c] = struct{}{}
		}

		outline := ctx.NewLineString(b.GeoJSONRing(i))
		if err := sweepOutline(ctx, outline.Prepare(), ring, res, cells); err != nil {
			return nil, fmt.Errorf("sweep ring %d: %w", i, err)
		}
	}

	ids := make([]string, 0, len(cells))
	for c := range cells {
		ids = append(ids, c.String())
	}
	sort.Strings(ids)
	return ids, nil
}

// sweepOutline adds to cells every cell touching the outline. The cells a
// connected line passes through form a connected set, so a breadth-first walk
// seeded at the vertices reaches all of them.
func sweepOutline(ctx *geos.Context, outline *geos.PrepGeom, ring []boundary.LatLng, res int, cells map[h3.Cell]struct{}) error {
	visited := make(map[h3.Cell]bool)
	var queue []h3.Cell

	for _, p := range ring {
		c, err := h3.LatLngToCell(h3.NewLatLng(p.Lat, p.Lng), res)
		if err != nil {
			return err
		}
		if !visited[c] {
			visited[c] = true
			queue = append(queue, c)
		}
	}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		cells[c] = struct{}{}

		disk, err := h3.GridDisk(c, 1)
		if err != nil {
			return err
		}
		for _, n := range disk {
			if visited[n] {
				continue
			}
			visited[n] = true
			ring, err := cellRing(n)
			if err != nil {
				return err
			}
			poly := ctx.NewPolygon([][][]float64{ring})
			if outline.Intersects(poly) {
				queue = append(queue, n)
			}
			poly.Destroy()
		}
	}
	return nil
}

// ParseCell decodes and validates a cell identifier.
func ParseCell(id string) (h3.Cell, error) {
	c := h3.Cell(h3.IndexFromString(id))
	if !c.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCell, id)
	}
	return c, nil
}

// CellBoundary returns the closed polygon ring of id in GeoJSON [lng, lat]
// order.
func CellBoundary(id string) ([][]float64, error) {
	c, err := ParseCell(id)
	if err != nil {
		return nil, err
	}
	return cellRing(c)
}

func cellRing(c h3.Cell) ([][]float64, error) {
	verts, err := c.Boundary()
	if err != nil {
		return nil, fmt.Errorf("cell %s boundary: %w", c, err)
	}
	ring := make([][]float64, 0, len(verts)+1)
	for _, v := range verts {
		ring = append(ring, []float64{v.Lng, v.Lat})
	}
	if len(ring) > 0 {
		ring = append(ring, []float64{ring[0][0], ring[0][1]})
	}
	return ring, nil
}

// CellCentroid returns the center of id.
func CellCentroid(id string) (boundary.LatLng, error) {
	c, err := ParseCell(id)
	if err != nil {
		return boundary.LatLng{}, err
	}
	ll, err := c.LatLng()
	if err != nil {
		return boundary.LatLng{}, fmt.Errorf("cell %s center: %w", id, err)
	}
	return boundary.LatLng{Lat: ll.Lat, Lng: ll.Lng}, nil
}

// EdgeLengthMeters is the average hexagon edge length at res. For a regular
// hexagon this equals the centroid-to-vertex distance.
func EdgeLengthMeters(res int) (float64, error) {
	if err := ValidateResolution(res); err != nil {
		return 0, err
	}
	return h3.HexagonEdgeLengthAvgM(res)
}

// Resolution returns the tier encoded in id.
func Resolution(id string) (int, error) {
	c, err := ParseCell(id)
	if err != nil {
		return 0, err
	}
	return c.Resolution(), nil
}
