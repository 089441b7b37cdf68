package tracts

import (
	"errors"
	"fmt"
	"sort"

	"github.com/twpayne/go-geos"

	"github.com/bsaid97/hexdensity/handlers"
	"github.com/bsaid97/hexdensity/hexgrid"
	"github.com/bsaid97/hexdensity/logging"
	"github.com/bsaid97/hexdensity/utils"
)

// Tract is an indexed census tract. Geometry travels as WKB so that each
// worker decodes it into its own GEOS context.
type Tract struct {
	ID         string
	Code       string
	Population float64
	LandArea   float64
	// Density is people per km².
	Density float64
	WKB     []byte
	Box     utils.Box
	// Buffered is Box grown by the pre-filter distance.
	Buffered utils.Box
	// Ordinal is the tract's position in Index.Tracts().
	Ordinal int
}

type IndexOptions struct {
	Resolution int
	// BufferFactor scales the average hexagon edge length into the bounding
	// box buffer. Values below 1 are raised to 1.
	BufferFactor    float64
	GridCellDegrees float64
	RepairInvalid   bool
}

// IndexStats counts what BuildIndex kept and dropped.
type IndexStats struct {
	Indexed   int
	Unmatched int
	Duplicate int
	NoLand    int
	Invalid   int
	Repaired  int
}

// Index is the immutable tract lookup shared by all workers of a job.
type Index struct {
	tracts       []*Tract
	byCode       map[string]*Tract
	spatial      *utils.SpatialIndex
	bufferMeters float64
	stats        IndexStats
}

var ErrNoTracts = errors.New("no usable tracts")

// BuildIndex joins shapes with attrs on the last six characters of the shape
// identifier. Shapes without a matching attribute row, with non-positive land
// area, or whose identifier appears more than once are left out.
func BuildIndex(attrs Attributes, shapes []Shape, opts IndexOptions) (*Index, error) {
	edge, err := hexgrid.EdgeLengthMeters(opts.Resolution)
	if err != nil {
		return nil, err
	}
	if opts.BufferFactor < 1 {
		opts.BufferFactor = 1
	}
	if opts.GridCellDegrees <= 0 {
		opts.GridCellDegrees = 0.25
	}

	idx := &Index{
		byCode:       make(map[string]*Tract),
		spatial:      utils.NewSpatialIndex(opts.GridCellDegrees),
		bufferMeters: edge * opts.BufferFactor,
	}

	seen := make(map[string]int, len(shapes))
	for _, s := range shapes {
		seen[s.ID]++
	}

	ordered := make([]Shape, len(shapes))
	copy(ordered, shapes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	ctx := geos.NewContext()
	var geoms []*geos.Geom
	var ids []string
	var kept []*Tract

	for _, s := range ordered {
		if seen[s.ID] > 1 {
			idx.stats.Duplicate++
			continue
		}
		if len(s.ID) < CodeWidth {
			idx.stats.Unmatched++
			continue
		}
		code := s.ID[len(s.ID)-CodeWidth:]
		attr, ok := attrs[code]
		if !ok {
			idx.stats.Unmatched++
			continue
		}
		if attr.LandArea <= 0 {
			idx.stats.NoLand++
			continue
		}

		g, err := ctx.NewGeomFromWKB(s.WKB)
		if err != nil {
			logging.Warn().Str("tract", s.ID).Err(err).Msg("skipping tract with undecodable geometry")
			idx.stats.Invalid++
			continue
		}
		geoms = append(geoms, g)
		ids = append(ids, s.ID)
		kept = append(kept, &Tract{
			ID:         s.ID,
			Code:       code,
			Population: attr.Population,
			LandArea:   attr.LandArea,
			Density:    attr.Density(),
			WKB:        s.WKB,
		})
	}

	invalid := make(map[int]bool)
	for _, ge := range handlers.CheckGeometry(geoms, ids) {
		invalid[ge.Ref] = true
		logging.Debug().Str("tract", ge.ID).Str("reason", ge.ErrorMessage).Msg("invalid tract geometry")
	}

	for i, t := range kept {
		g := geoms[i]
		if invalid[i] {
			if !opts.RepairInvalid {
				idx.stats.Invalid++
				continue
			}
			repaired := g.MakeValid()
			if len(utils.PolygonRings(repaired)) == 0 {
				idx.stats.Invalid++
				continue
			}
			g = repaired
			t.WKB = g.ToWKB()
			idx.stats.Repaired++
		}

		t.Box = utils.GeomBox(g)
		t.Buffered = utils.BufferBox(t.Box, idx.bufferMeters)
		t.Ordinal = len(idx.tracts)
		idx.tracts = append(idx.tracts, t)
		if _, ok := idx.byCode[t.Code]; !ok {
			idx.byCode[t.Code] = t
		}
		idx.spatial.Insert(t.Buffered, t.Ordinal)
	}
	idx.stats.Indexed = len(idx.tracts)

	if len(idx.tracts) == 0 {
		return nil, fmt.Errorf("%w: %d shapes, %d attribute rows", ErrNoTracts, len(shapes), len(attrs))
	}
	return idx, nil
}

// Candidates returns, in index order, the tracts whose buffered box contains
// the point. Every tract intersecting a hexagon centered there is included
// as long as the buffer covers the hexagon's circumradius.
func (idx *Index) Candidates(lat, lng float64) []*Tract {
	ids := idx.spatial.QueryPoint(lng, lat)
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Tract, len(ids))
	for i, id := range ids {
		out[i] = idx.tracts[id]
	}
	return out
}

func (idx *Index) Len() int { return len(idx.tracts) }

// Tracts returns the indexed tracts in index order. Callers must not modify
// them.
func (idx *Index) Tracts() []*Tract { return idx.tracts }

// Lookup finds a tract by its six-digit code. Codes repeat across counties;
// the first indexed tract is returned.
func (idx *Index) Lookup(code string) (*Tract, bool) {
	t, ok := idx.byCode[PadCode(code)]
	return t, ok
}

func (idx *Index) Stats() IndexStats { return idx.stats }

// BufferMeters is the distance tract boxes were grown by.
func (idx *Index) BufferMeters() float64 { return idx.bufferMeters }
