package engine

import (
	"errors"
	"fmt"

	"github.com/bsaid97/hexdensity/boundary"
	"github.com/bsaid97/hexdensity/hexgrid"
)

var (
	// ErrInputMissing means a tract attribute table, tract shapefile or
	// boundary file for the job does not exist.
	ErrInputMissing = errors.New("input missing")
	// ErrWorkerFailure means a chunk failed; the job produced no result.
	ErrWorkerFailure = errors.New("worker failure")
	// ErrPersistence means an output could not be written.
	ErrPersistence = errors.New("persistence failure")

	ErrUnsupportedGeometry = boundary.ErrUnsupportedGeometry
	ErrInvalidResolution   = hexgrid.ErrInvalidResolution
)

// JobError attaches the job identity to a failure.
type JobError struct {
	Region     string
	Resolution int
	Err        error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s/%d: %v", e.Region, e.Resolution, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

func jobError(job Job, kind error, err error) error {
	if err == nil {
		err = kind
	} else if kind != nil && !errors.Is(err, kind) {
		err = fmt.Errorf("%w: %w", kind, err)
	}
	return &JobError{Region: job.Region, Resolution: job.Resolution, Err: err}
}
