package handlers

import (
	"github.com/twpayne/go-geos"
)

// GeometryError names an invalid geometry by its position in the checked
// slice.
type GeometryError struct {
	Ref          int    `json:"ref"`
	ID           string `json:"id,omitempty"`
	ErrorMessage string `json:"errorMessage"`
}

// CheckGeometry reports every invalid geometry in geoms. ids, when given,
// labels the entries and must line up with geoms.
func CheckGeometry(geoms []*geos.Geom, ids []string) []GeometryError {
	var errors []GeometryError

	for i, shape := range geoms {
		if shape == nil || shape.IsValid() {
			continue
		}
		e := GeometryError{Ref: i, ErrorMessage: shape.IsValidReason()}
		if i < len(ids) {
			e.ID = ids[i]
		}
		errors = append(errors, e)
	}
	return errors
}

// CheckCollection runs CheckGeometry over the members of a collection.
func CheckCollection(collection *geos.Geom) []GeometryError {
	geoms := make([]*geos.Geom, collection.NumGeometries())
	for i := range geoms {
		geoms[i] = collection.Geometry(i)
	}
	return CheckGeometry(geoms, nil)
}
