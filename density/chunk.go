package density

import (
	"context"
	"fmt"

	"github.com/twpayne/go-geos"

	"github.com/bsaid97/hexdensity/hexgrid"
	"github.com/bsaid97/hexdensity/tracts"
	"github.com/bsaid97/hexdensity/utils"
)

type ChunkOptions struct {
	Area AreaFunc
}

// Stats summarizes the work done for one chunk.
type Stats struct {
	Hexagons      int
	Candidates    int
	Intersections int
	Degenerate    int
	ZeroDensity   int
}

// Add folds o into s.
func (s *Stats) Add(o Stats) {
	s.Hexagons += o.Hexagons
	s.Candidates += o.Candidates
	s.Intersections += o.Intersections
	s.Degenerate += o.Degenerate
	s.ZeroDensity += o.ZeroDensity
}

// ComputeChunk computes a Record for every cell in ids, in order. It owns a
// private GEOS context, so concurrent calls sharing idx are safe. Tract
// geometry is decoded from WKB on first use and kept for the rest of the
// chunk. A GEOS panic is returned as an error.
func ComputeChunk(ctx context.Context, ids []string, idx *tracts.Index, opts ChunkOptions) (records []Record, stats Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("geometry engine panic: %v", r)
		}
	}()

	agg := NewAggregator(opts.Area)
	gctx := geos.NewContext()
	cache := make(map[int]*geos.Geom)
	defer func() {
		for _, g := range cache {
			g.Destroy()
		}
	}()

	records = make([]Record, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		ring, err := hexgrid.CellBoundary(id)
		if err != nil {
			return nil, stats, err
		}
		center, err := hexgrid.CellCentroid(id)
		if err != nil {
			return nil, stats, err
		}

		hex := gctx.NewPolygon([][][]float64{ring})
		hexBox := utils.GeomBox(hex)
		hexArea := agg.Area(hex)

		var population float64
		if hexArea > 0 {
			candidates := idx.Candidates(center.Lat, center.Lng)
			stats.Candidates += len(candidates)
			for _, t := range candidates {
				if !overlaps(hexBox, t.Box) {
					continue
				}
				tg, ok := cache[t.Ordinal]
				if !ok {
					tg, err = gctx.NewGeomFromWKB(t.WKB)
					if err != nil {
						hex.Destroy()
						return nil, stats, fmt.Errorf("tract %s: %w", t.ID, err)
					}
					cache[t.Ordinal] = tg
				}
				if p, ok := agg.Accumulate(hex, tg, t.Density); ok {
					population += p
					stats.Intersections++
				}
			}
		}
		hex.Destroy()

		rec := agg.Finalize(id, population, hexArea)
		switch {
		case rec.Degenerate:
			stats.Degenerate++
		case rec.Value() == 0:
			stats.ZeroDensity++
		}
		records = append(records, rec)
		stats.Hexagons++
	}
	return records, stats, nil
}

func overlaps(a, b utils.Box) bool {
	return a.MinX <= b.MaxX && b.MinX <= a.MaxX && a.MinY <= b.MaxY && b.MinY <= a.MaxY
}
