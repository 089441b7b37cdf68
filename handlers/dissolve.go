package handlers

import (
	"errors"

	"github.com/twpayne/go-geos"
)

var errNoGeometries = errors.New("no geometries to union")

// CascadedUnion unions geometries pairwise, halving the set at each level.
// The inputs are left untouched; the caller owns the result.
func CascadedUnion(geometries []*geos.Geom) (*geos.Geom, error) {
	if len(geometries) == 0 {
		return nil, errNoGeometries
	}
	result, owned := cascade(geometries)
	if !owned {
		result = result.Clone()
	}
	return result, nil
}

// cascade reports whether the returned geometry was created here and may be
// destroyed by the caller.
func cascade(geometries []*geos.Geom) (*geos.Geom, bool) {
	// Base case: if there is only one geometry, return it
	if len(geometries) == 1 {
		return geometries[0], false
	}

	// Divide the array into two halves
	mid := len(geometries) / 2
	left, leftOwned := cascade(geometries[:mid])
	right, rightOwned := cascade(geometries[mid:])

	result := left.Union(right)

	// intermediate unions are no longer needed
	if leftOwned {
		left.Destroy()
	}
	if rightOwned {
		right.Destroy()
	}
	return result, true
}
