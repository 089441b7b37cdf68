package utils

import (
	"math"
	"sort"
)

// Box is an axis-aligned bounding box in lng/lat degrees.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// ContainsPoint reports whether (x, y) lies in the closed box.
func (b Box) ContainsPoint(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// SpatialIndex buckets boxes into a uniform grid of cellSize degrees. It is
// built single-threaded and then only read, so concurrent queries are safe.
type SpatialIndex struct {
	cellSize float64
	boxes    []Box
	grid     map[cellKey][]int
}

type cellKey struct {
	x, y int
}

func NewSpatialIndex(cellSize float64) *SpatialIndex {
	return &SpatialIndex{
		cellSize: cellSize,
		grid:     make(map[cellKey][]int),
	}
}

// Insert adds box under id. Ids are caller-assigned and must be unique.
func (si *SpatialIndex) Insert(box Box, id int) {
	for id >= len(si.boxes) {
		si.boxes = append(si.boxes, Box{})
	}
	si.boxes[id] = box

	minCellX := si.cell(box.MinX)
	minCellY := si.cell(box.MinY)
	maxCellX := si.cell(box.MaxX)
	maxCellY := si.cell(box.MaxY)

	for x := minCellX; x <= maxCellX; x++ {
		for y := minCellY; y <= maxCellY; y++ {
			key := cellKey{x, y}
			si.grid[key] = append(si.grid[key], id)
		}
	}
}

// QueryPoint returns, in ascending order, the ids of boxes containing (x, y).
func (si *SpatialIndex) QueryPoint(x, y float64) []int {
	bucket := si.grid[cellKey{si.cell(x), si.cell(y)}]
	if len(bucket) == 0 {
		return nil
	}
	hits := make([]int, 0, len(bucket))
	for _, id := range bucket {
		if si.boxes[id].ContainsPoint(x, y) {
			hits = append(hits, id)
		}
	}
	sort.Ints(hits)
	return hits
}

// Len returns the number of indexed boxes.
func (si *SpatialIndex) Len() int {
	return len(si.boxes)
}

func (si *SpatialIndex) cell(v float64) int {
	return int(math.Floor(v / si.cellSize))
}

// metersPerDegree is a slight underestimate of the meridional degree length,
// so converted buffers err on the wide side.
const metersPerDegree = 111000.0

// MetersToDegrees converts a distance in meters at latitude lat to degree
// offsets in latitude and longitude. Longitude degrees shrink with
// cos(latitude); the cosine is floored near the poles.
func MetersToDegrees(lat, meters float64) (dLat, dLng float64) {
	dLat = meters / metersPerDegree
	c := math.Cos(lat * math.Pi / 180)
	if c < 0.01 {
		c = 0.01
	}
	dLng = meters / (metersPerDegree * c)
	return dLat, dLng
}

// BufferBox grows box by meters on every side. The longitude offset uses the
// box edge farthest from the equator, where a meter spans the most degrees.
func BufferBox(box Box, meters float64) Box {
	lat := math.Max(math.Abs(box.MinY), math.Abs(box.MaxY))
	dLat, dLng := MetersToDegrees(lat+meters/metersPerDegree, meters)
	return Box{
		MinX: box.MinX - dLng,
		MinY: box.MinY - dLat,
		MaxX: box.MaxX + dLng,
		MaxY: box.MaxY + dLat,
	}
}
