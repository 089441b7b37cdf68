package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/bsaid97/hexdensity/density"
	"github.com/bsaid97/hexdensity/hexgrid"
	"github.com/bsaid97/hexdensity/utils"
)

// FileSink writes {Root}/density/{region}/{resolution}/{region}.json. That
// file is the checkpoint: it is written last and atomically, so its presence
// means every other output of the job is in place.
type FileSink struct {
	Root      string
	GeoJSON   bool
	Shapefile bool
}

func NewFileSink(root string, geoJSON, shapefile bool) *FileSink {
	return &FileSink{Root: root, GeoJSON: geoJSON, Shapefile: shapefile}
}

func (s *FileSink) Name() string { return "file" }

// Dir is the directory holding every file of job.
func (s *FileSink) Dir(job Job) string {
	return filepath.Join(s.Root, "density", job.Region, strconv.Itoa(job.Resolution))
}

// Path is the checkpoint artifact of job.
func (s *FileSink) Path(job Job) string {
	return filepath.Join(s.Dir(job), job.Region+".json")
}

func (s *FileSink) Exists(_ context.Context, job Job) (bool, error) {
	_, err := os.Stat(s.Path(job))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *FileSink) Write(ctx context.Context, job Job, records map[string]density.Record) error {
	if err := os.MkdirAll(s.Dir(job), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	if s.GeoJSON {
		data, err := HexagonFeatureCollection(records)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(s.Dir(job), job.Region+"_hexagons.geojson"), data); err != nil {
			return err
		}
	}

	if s.Shapefile {
		data, err := HexagonShapefileZip(job.Region+"_hexagons", records)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(s.Dir(job), job.Region+"_hexagons.zip"), data); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}
	return writeFileAtomic(s.Path(job), data)
}

// Load reads the checkpoint artifact of job.
func (s *FileSink) Load(job Job) (map[string]density.Record, error) {
	data, err := os.ReadFile(s.Path(job))
	if err != nil {
		return nil, err
	}
	records := make(map[string]density.Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.Path(job), err)
	}
	return records, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// HexagonFeatureCollection renders records as GeoJSON polygons carrying
// hex_id, density and estimated_population.
func HexagonFeatureCollection(records map[string]density.Record) ([]byte, error) {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(records))}
	for _, id := range sortedKeys(records) {
		rec := records[id]
		ring, err := hexgrid.CellBoundary(id)
		if err != nil {
			return nil, err
		}
		coords := make([]geom.Coord, len(ring))
		for i, c := range utils.TruncateRing(ring) {
			coords[i] = geom.Coord{c[0], c[1]}
		}
		polygon, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{coords})
		if err != nil {
			return nil, fmt.Errorf("cell %s: %w", id, err)
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       id,
			Geometry: polygon,
			Properties: map[string]interface{}{
				"hex_id":               id,
				"density":              rec.Density,
				"estimated_population": rec.EstimatedPopulation,
			},
		})
	}
	data, err := json.Marshal(&fc)
	if err != nil {
		return nil, fmt.Errorf("encoding hexagon GeoJSON: %w", err)
	}
	return data, nil
}

var hexagonFields = []shp.Field{
	shp.StringField("hex_id", 16),
	shp.FloatField("density", 24, 6),
	shp.FloatField("est_pop", 24, 3),
}

// HexagonShapefileZip packs the records as a polygon shapefile plus the flat
// JSON mapping.
func HexagonShapefileZip(baseName string, records map[string]density.Record) ([]byte, error) {
	flat, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	features := make([]utils.ShapeFeature, 0, len(records))
	for _, id := range sortedKeys(records) {
		rec := records[id]
		ring, err := hexgrid.CellBoundary(id)
		if err != nil {
			return nil, err
		}
		var d interface{}
		if rec.Density != nil {
			d = *rec.Density
		}
		features = append(features, utils.ShapeFeature{
			Rings:  [][][]float64{ring},
			Values: []interface{}{id, d, rec.EstimatedPopulation},
		})
	}
	return utils.GenerateShapefileZip(baseName, flat, hexagonFields, features)
}
