package handlers

import (
	"fmt"

	"github.com/twpayne/go-geos"

	"github.com/bsaid97/hexdensity/boundary"
	"github.com/bsaid97/hexdensity/hexgrid"
	"github.com/bsaid97/hexdensity/utils"
)

// coverageTolerance is the uncovered share of the boundary, in planar
// degree area, still reported as covered.
const coverageTolerance = 1e-9

// CoverageReport compares a cell set with the boundary it was generated for.
type CoverageReport struct {
	Cells int `json:"cells"`
	// UncoveredFraction is the share of the boundary outside every cell.
	UncoveredFraction float64 `json:"uncoveredFraction"`
	// Extraneous counts cells that do not touch the boundary.
	Extraneous int  `json:"extraneous"`
	Covered    bool `json:"covered"`
}

// CheckCoverage verifies that the union of the cells in ids contains b.
func CheckCoverage(b boundary.Boundary, ids []string) (report CoverageReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coverage check panic: %v", r)
		}
	}()

	report.Cells = len(ids)
	if b.Parts() == 0 {
		return report, fmt.Errorf("boundary has no rings")
	}

	ctx := geos.NewContext()
	parts := make([]*geos.Geom, b.Parts())
	for i := range parts {
		if parts[i], err = utils.NewPolygon(ctx, [][][]float64{b.GeoJSONRing(i)}); err != nil {
			return report, fmt.Errorf("boundary part %d: %w", i, err)
		}
	}
	region, err := CascadedUnion(parts)
	if err != nil {
		return report, err
	}
	prepared := region.Prepare()

	cells := make([]*geos.Geom, 0, len(ids))
	for _, id := range ids {
		ring, err := hexgrid.CellBoundary(id)
		if err != nil {
			return report, err
		}
		cell := ctx.NewPolygon([][][]float64{ring})
		if !prepared.Intersects(cell) {
			report.Extraneous++
		}
		cells = append(cells, cell)
	}

	if len(cells) == 0 {
		report.UncoveredFraction = 1
		return report, nil
	}
	union, err := CascadedUnion(cells)
	if err != nil {
		return report, err
	}
	uncovered := region.Difference(union)
	if total := region.Area(); total > 0 {
		report.UncoveredFraction = uncovered.Area() / total
	}
	report.Covered = report.UncoveredFraction <= coverageTolerance
	return report, nil
}
