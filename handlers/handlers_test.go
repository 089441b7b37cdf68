package handlers

import (
	"math"
	"testing"

	"github.com/twpayne/go-geos"
	"github.com/uber/h3-go/v4"

	"github.com/bsaid97/hexdensity/boundary"
	"github.com/bsaid97/hexdensity/hexgrid"
)

func rect(minX, minY, maxX, maxY float64) [][]float64 {
	return [][]float64{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}
}

var square = boundary.Boundary{Rings: [][]boundary.LatLng{{
	{Lat: 39.50, Lng: -119.85},
	{Lat: 39.50, Lng: -119.75},
	{Lat: 39.60, Lng: -119.75},
	{Lat: 39.60, Lng: -119.85},
}}}

func TestCascadedUnion(t *testing.T) {
	ctx := geos.NewContext()
	var tiles []*geos.Geom
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			tiles = append(tiles, ctx.NewPolygon([][][]float64{rect(float64(x), float64(y), float64(x+1), float64(y+1))}))
		}
	}
	union, err := CascadedUnion(tiles)
	if err != nil {
		t.Fatal(err)
	}
	if a := union.Area(); math.Abs(a-9) > 1e-9 {
		t.Errorf("Area() = %v, want 9", a)
	}
	// inputs stay usable
	if a := tiles[0].Area(); a != 1 {
		t.Errorf("input area = %v after union", a)
	}

	single, err := CascadedUnion(tiles[:1])
	if err != nil || single.Area() != 1 {
		t.Errorf("single union = %v, %v", single, err)
	}

	if _, err := CascadedUnion(nil); err == nil {
		t.Error("CascadedUnion(nil) should fail")
	}
}

func TestCheckCoverage(t *testing.T) {
	const res = 7
	ids, err := hexgrid.Generate(square, res)
	if err != nil {
		t.Fatal(err)
	}
	report, err := CheckCoverage(square, ids)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Covered || report.Extraneous != 0 || report.Cells != len(ids) {
		t.Errorf("generated grid report = %+v", report)
	}

	loop := h3.GeoLoop{}
	for _, p := range square.OuterRing() {
		loop = append(loop, h3.NewLatLng(p.Lat, p.Lng))
	}
	filled, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, res)
	if err != nil {
		t.Fatal(err)
	}
	var centroidOnly []string
	for _, c := range filled {
		centroidOnly = append(centroidOnly, c.String())
	}
	report, err = CheckCoverage(square, centroidOnly)
	if err != nil {
		t.Fatal(err)
	}
	if report.Covered || report.UncoveredFraction <= 0 {
		t.Errorf("centroid-only grid report = %+v, want uncovered area", report)
	}

	far, _ := h3.LatLngToCell(h3.NewLatLng(0, 0), res)
	report, err = CheckCoverage(square, append(append([]string{}, ids...), far.String()))
	if err != nil {
		t.Fatal(err)
	}
	if report.Extraneous != 1 {
		t.Errorf("Extraneous = %d, want 1", report.Extraneous)
	}
}

func TestCheckGeometry(t *testing.T) {
	ctx := geos.NewContext()
	good := ctx.NewPolygon([][][]float64{rect(0, 0, 1, 1)})
	bowtie := ctx.NewPolygon([][][]float64{{{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0}}})

	errs := CheckGeometry([]*geos.Geom{good, bowtie, nil}, []string{"a", "b", "c"})
	if len(errs) != 1 || errs[0].Ref != 1 || errs[0].ID != "b" || errs[0].ErrorMessage == "" {
		t.Errorf("CheckGeometry() = %+v", errs)
	}

	collection := ctx.NewCollection(geos.TypeIDGeometryCollection, []*geos.Geom{
		ctx.NewPolygon([][][]float64{rect(0, 0, 1, 1)}),
		ctx.NewPolygon([][][]float64{{{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0}}}),
	})
	if errs := CheckCollection(collection); len(errs) != 1 || errs[0].Ref != 1 {
		t.Errorf("CheckCollection() = %+v", errs)
	}
}
