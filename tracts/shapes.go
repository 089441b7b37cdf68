package tracts

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geos"

	"github.com/bsaid97/hexdensity/logging"
	"github.com/bsaid97/hexdensity/utils"
)

// Shape is one tract polygon as read from a shapefile, carried as WKB so it
// can be decoded into any GEOS context.
type Shape struct {
	ID  string
	WKB []byte
}

// LoadShapes reads the zipped shapefile at zipPath and returns one Shape per
// polygon record, identified by the idField attribute. A missing archive
// yields an error matching fs.ErrNotExist.
func LoadShapes(zipPath, idField string) ([]Shape, error) {
	if _, err := os.Stat(zipPath); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "tracts_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	shpPath, err := extractShapefile(zipPath, tempDir)
	if err != nil {
		return nil, err
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(shpPath), err)
	}
	defer reader.Close()

	idIndex := -1
	for i, f := range reader.Fields() {
		if strings.EqualFold(fieldName(f), idField) {
			idIndex = i
			break
		}
	}
	if idIndex < 0 {
		return nil, fmt.Errorf("%s: no %s attribute", filepath.Base(zipPath), idField)
	}

	ctx := geos.NewContext()
	var shapes []Shape
	for reader.Next() {
		n, s := reader.Shape()
		rings, ok := shapeRings(s)
		if !ok {
			logging.Warn().Int("record", n).Str("type", fmt.Sprintf("%T", s)).Msg("skipping non-polygon record")
			continue
		}
		id := strings.Trim(reader.Attribute(idIndex), "\x00 ")
		g, err := AssemblePolygon(ctx, rings)
		if err != nil {
			logging.Warn().Int("record", n).Str("id", id).Err(err).Msg("skipping unreadable tract polygon")
			continue
		}
		shapes = append(shapes, Shape{ID: id, WKB: g.ToWKB()})
		g.Destroy()
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(zipPath), err)
	}
	return shapes, nil
}

// extractShapefile unpacks the .shp, .shx and .dbf members of the archive
// into dir and returns the path of the .shp file.
func extractShapefile(zipPath, dir string) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", zipPath, err)
	}
	defer zr.Close()

	var shpPath string
	for _, f := range zr.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if ext != ".shp" && ext != ".shx" && ext != ".dbf" {
			continue
		}
		dest := filepath.Join(dir, filepath.Base(f.Name))
		if err := extractFile(f, dest); err != nil {
			return "", err
		}
		if ext == ".shp" {
			if shpPath != "" {
				return "", fmt.Errorf("%s: archive holds more than one .shp file", zipPath)
			}
			shpPath = dest
		}
	}
	if shpPath == "" {
		return "", fmt.Errorf("%s: archive holds no .shp file", zipPath)
	}
	return shpPath, nil
}

func extractFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return out.Close()
}

func fieldName(f shp.Field) string {
	return strings.TrimRight(string(f.Name[:]), "\x00 ")
}

// shapeRings splits a polygon record into its parts as lng/lat rings.
func shapeRings(s shp.Shape) ([][][]float64, bool) {
	var parts []int32
	var points []shp.Point
	switch p := s.(type) {
	case *shp.Polygon:
		parts, points = p.Parts, p.Points
	case *shp.PolygonZ:
		parts, points = p.Parts, p.Points
	case *shp.PolygonM:
		parts, points = p.Parts, p.Points
	default:
		return nil, false
	}

	rings := make([][][]float64, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		ring := make([][]float64, 0, end-start)
		for _, pt := range points[start:end] {
			ring = append(ring, []float64{pt.X, pt.Y})
		}
		rings = append(rings, ring)
	}
	return rings, true
}

var errNoRings = errors.New("polygon has no usable rings")

// AssemblePolygon builds a Polygon or MultiPolygon from shapefile rings:
// clockwise rings are shells, counter-clockwise rings are holes of the shell
// that contains them. Holes inside no shell are promoted to shells.
func AssemblePolygon(ctx *geos.Context, rings [][][]float64) (*geos.Geom, error) {
	var shells, holes [][][]float64
	for _, ring := range rings {
		ring = utils.CloseRing(ring)
		if len(ring) < 4 {
			continue
		}
		if utils.SignedArea(ring) < 0 {
			shells = append(shells, ring)
		} else {
			holes = append(holes, ring)
		}
	}
	if len(shells) == 0 {
		shells, holes = holes, nil
	}
	if len(shells) == 0 {
		return nil, errNoRings
	}

	polygons := make([][][][]float64, len(shells))
	shellGeoms := make([]*geos.Geom, len(shells))
	for i, shell := range shells {
		polygons[i] = [][][]float64{shell}
		shellGeoms[i] = ctx.NewPolygon([][][]float64{shell})
	}
	defer func() {
		for _, g := range shellGeoms {
			g.Destroy()
		}
	}()

	for _, hole := range holes {
		pt := ctx.NewPointFromXY(hole[0][0], hole[0][1])
		owner := -1
		for i, sg := range shellGeoms {
			if sg.Intersects(pt) {
				owner = i
				break
			}
		}
		pt.Destroy()
		if owner < 0 {
			polygons = append(polygons, [][][]float64{hole})
			continue
		}
		polygons[owner] = append(polygons[owner], hole)
	}

	if len(polygons) == 1 {
		return utils.NewPolygon(ctx, polygons[0])
	}
	geoms := make([]*geos.Geom, len(polygons))
	for i, p := range polygons {
		g, err := utils.NewPolygon(ctx, p)
		if err != nil {
			return nil, err
		}
		geoms[i] = g
	}
	return ctx.NewCollection(geos.TypeIDMultiPolygon, geoms), nil
}
