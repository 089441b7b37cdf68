package utils

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
)

// ShapeFeature is one polygon record for a shapefile. Values line up with the
// fields passed to GenerateShapefileZip; a nil value is written as a blank
// (null) DBF cell.
type ShapeFeature struct {
	Rings  [][][]float64
	Values []interface{}
}

// GenerateShapefileZip creates a zip archive holding baseName.json (jsonData)
// and the baseName .shp/.shx/.dbf components built from features.
func GenerateShapefileZip(baseName string, jsonData []byte, fields []shp.Field, features []ShapeFeature) ([]byte, error) {
	var zipBuffer bytes.Buffer
	zipWriter := zip.NewWriter(&zipBuffer)

	if jsonData != nil {
		jsonFile, err := zipWriter.Create(baseName + ".json")
		if err != nil {
			return nil, fmt.Errorf("failed to create JSON file in zip: %w", err)
		}
		if _, err := jsonFile.Write(jsonData); err != nil {
			return nil, fmt.Errorf("failed to write JSON data to zip: %w", err)
		}
	}

	if err := addShapefileToZip(zipWriter, baseName, fields, features); err != nil {
		return nil, fmt.Errorf("failed to add shapefile to zip: %w", err)
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip writer: %w", err)
	}

	return zipBuffer.Bytes(), nil
}

// addShapefileToZip writes the shapefile to a temp dir and copies its
// components into the archive.
func addShapefileToZip(zipWriter *zip.Writer, baseName string, fields []shp.Field, features []ShapeFeature) error {
	tempDir, err := os.MkdirTemp("", "shapefile_")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	shapefilePath := filepath.Join(tempDir, baseName+".shp")
	if err := generateShapefile(shapefilePath, fields, features); err != nil {
		return fmt.Errorf("failed to generate shapefile: %w", err)
	}

	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		filePath := strings.TrimSuffix(shapefilePath, ".shp") + ext

		fileContent, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read shapefile component %s: %w", ext, err)
		}

		zipFile, err := zipWriter.Create(baseName + ext)
		if err != nil {
			return fmt.Errorf("failed to create %s file in zip: %w", ext, err)
		}
		if _, err := zipFile.Write(fileContent); err != nil {
			return fmt.Errorf("failed to write %s data to zip: %w", ext, err)
		}
	}

	return nil
}

func generateShapefile(shapefilePath string, fields []shp.Field, features []ShapeFeature) error {
	if len(features) == 0 {
		return fmt.Errorf("no features to write to shapefile")
	}

	shape, err := shp.Create(shapefilePath, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("failed to create shapefile: %w", err)
	}
	defer shape.Close()

	shape.SetFields(fields)

	for i, feature := range features {
		row := int(shape.Write(polygonShape(feature.Rings)))
		for j := range fields {
			var value interface{} = ""
			if j < len(feature.Values) && feature.Values[j] != nil {
				value = feature.Values[j]
			}
			if err := shape.WriteAttribute(row, j, value); err != nil {
				return fmt.Errorf("feature %d field %d: %w", i, j, err)
			}
		}
	}

	return nil
}

// polygonShape converts lng/lat rings to a shapefile polygon. Shapefiles want
// clockwise shells and counter-clockwise holes.
func polygonShape(rings [][][]float64) *shp.Polygon {
	polygon := &shp.Polygon{}
	for i, ring := range rings {
		ring = CloseRing(ring)
		clockwise := SignedArea(ring) < 0
		if (i == 0) != clockwise {
			ring = reversed(ring)
		}
		polygon.Parts = append(polygon.Parts, int32(len(polygon.Points)))
		for _, coord := range ring {
			polygon.Points = append(polygon.Points, shp.Point{X: coord[0], Y: coord[1]})
		}
	}
	polygon.NumParts = int32(len(polygon.Parts))
	polygon.NumPoints = int32(len(polygon.Points))
	polygon.Box = shp.BBoxFromPoints(polygon.Points)
	return polygon
}

func reversed(ring [][]float64) [][]float64 {
	out := make([][]float64, len(ring))
	for i, c := range ring {
		out[len(ring)-1-i] = c
	}
	return out
}
