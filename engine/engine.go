// Package engine runs density jobs: it checks the checkpoint, loads inputs,
// generates the grid, spreads the hexagons over a worker pool and publishes
// the merged result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/bsaid97/hexdensity/boundary"
	"github.com/bsaid97/hexdensity/config"
	"github.com/bsaid97/hexdensity/density"
	"github.com/bsaid97/hexdensity/hexgrid"
	"github.com/bsaid97/hexdensity/logging"
	"github.com/bsaid97/hexdensity/metrics"
	"github.com/bsaid97/hexdensity/store"
	"github.com/bsaid97/hexdensity/tracts"
	"github.com/bsaid97/hexdensity/utils"
)

// Job identifies one region at one resolution.
type Job = store.Job

type Status string

const (
	StatusComputed Status = "computed"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Outcome is the result of one job.
type Outcome struct {
	Job         Job           `json:"job"`
	Status      Status        `json:"status"`
	Hexagons    int           `json:"hexagons"`
	Degenerate  int           `json:"degenerate"`
	ZeroDensity int           `json:"zeroDensity"`
	Output      string        `json:"output,omitempty"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsedNs"`
}

type chunkFunc func(ctx context.Context, ids []string, idx *tracts.Index, opts density.ChunkOptions) ([]density.Record, density.Stats, error)

type chunkResult struct {
	records []density.Record
	stats   density.Stats
}

// Engine holds everything a job needs. It keeps no per-job state, so Run may
// be called concurrently.
type Engine struct {
	cfg     *config.Config
	files   *store.FileSink
	sinks   []store.Sink
	area    density.AreaFunc
	force   bool
	compute chunkFunc
}

// New builds an engine writing its checkpoint artifacts under
// cfg.OutputDir. sinks receive every computed job before the artifact.
func New(cfg *config.Config, sinks ...store.Sink) *Engine {
	return &Engine{
		cfg:     cfg,
		files:   store.NewFileSink(cfg.OutputDir, cfg.Output.GeoJSON, cfg.Output.Shapefile),
		sinks:   sinks,
		area:    density.AreaModel(cfg.Area.Model),
		force:   cfg.Checkpoint.Force,
		compute: density.ComputeChunk,
	}
}

// WithForce returns a copy of e that ignores existing checkpoints.
func (e *Engine) WithForce(force bool) *Engine {
	c := *e
	c.force = force
	return &c
}

// Files exposes the checkpoint sink.
func (e *Engine) Files() *store.FileSink { return e.files }

// Jobs expands the configured regions and resolutions.
func (e *Engine) Jobs() []Job {
	var jobs []Job
	for _, region := range e.cfg.Regions {
		for _, res := range e.cfg.Resolutions {
			jobs = append(jobs, Job{Region: region, Resolution: res})
		}
	}
	return jobs
}

// Run computes job, or skips it when its checkpoint exists. Every returned
// error is a *JobError.
func (e *Engine) Run(ctx context.Context, job Job) (Outcome, error) {
	return e.run(ctx, job, e.chunkWorkers())
}

func (e *Engine) chunkWorkers() int {
	if e.cfg.Parallelism.Mode == config.ModeJobs {
		return 1
	}
	return e.cfg.EffectiveWorkers()
}

func (e *Engine) run(ctx context.Context, job Job, workers int) (out Outcome, err error) {
	start := time.Now()
	log := logging.Job(job.Region, job.Resolution)
	out = Outcome{Job: job, Output: e.files.Path(job)}

	defer func() {
		out.Elapsed = time.Since(start)
		if err != nil {
			out.Status = StatusFailed
			out.Err = err
			out.Error = err.Error()
			log.Error().Err(err).Dur("elapsed", out.Elapsed).Msg("job failed")
		}
		metrics.JobsTotal.WithLabelValues(string(out.Status)).Inc()
	}()

	if err := hexgrid.ValidateResolution(job.Resolution); err != nil {
		return out, jobError(job, nil, err)
	}

	done, err := Gate{Files: e.files, Force: e.force}.Done(ctx, job)
	if err != nil {
		return out, jobError(job, ErrPersistence, err)
	}
	if done {
		out.Status = StatusSkipped
		log.Info().Str("output", out.Output).Msg("checkpoint exists, skipping")
		return out, nil
	}

	log.Info().Int("workers", workers).Msg("processing")

	b, attrs, shapes, err := e.loadInputs(job, log)
	if err != nil {
		return out, err
	}

	ids, err := hexgrid.Generate(b, job.Resolution)
	if err != nil {
		return out, jobError(job, nil, err)
	}
	log.Info().Int("hexagons", len(ids)).Msg("grid generated")

	idx, err := tracts.BuildIndex(attrs, shapes, tracts.IndexOptions{
		Resolution:      job.Resolution,
		BufferFactor:    e.cfg.Prefilter.BufferFactor,
		GridCellDegrees: e.cfg.Prefilter.GridCellDegrees,
		RepairInvalid:   e.cfg.Tracts.RepairInvalid,
	})
	if err != nil {
		return out, jobError(job, ErrInputMissing, err)
	}
	st := idx.Stats()
	log.Info().
		Int("tracts", st.Indexed).
		Int("unmatched", st.Unmatched).
		Int("duplicate", st.Duplicate).
		Int("no_land", st.NoLand).
		Int("repaired", st.Repaired).
		Float64("buffer_m", idx.BufferMeters()).
		Msg("tract index built")

	merged, stats, err := e.distribute(ctx, ids, idx, workers, log)
	if err != nil {
		return out, jobError(job, ErrWorkerFailure, err)
	}
	if len(merged) != len(ids) {
		return out, jobError(job, ErrWorkerFailure, fmt.Errorf("merged %d records for %d hexagons", len(merged), len(ids)))
	}

	for _, s := range e.sinks {
		if err := s.Write(ctx, job, merged); err != nil {
			return out, jobError(job, ErrPersistence, fmt.Errorf("%s sink: %w", s.Name(), err))
		}
		log.Info().Str("sink", s.Name()).Msg("published")
	}
	if err := e.files.Write(ctx, job, merged); err != nil {
		return out, jobError(job, ErrPersistence, err)
	}

	out.Status = StatusComputed
	out.Hexagons = len(merged)
	out.Degenerate = stats.Degenerate
	out.ZeroDensity = stats.ZeroDensity

	metrics.JobDuration.Observe(time.Since(start).Seconds())
	metrics.HexagonsTotal.Add(float64(stats.Hexagons))
	metrics.PrefilterCandidates.Add(float64(stats.Candidates))
	metrics.Intersections.Add(float64(stats.Intersections))
	metrics.DegenerateCells.Add(float64(stats.Degenerate))

	log.Info().
		Int("hexagons", out.Hexagons).
		Int("zero_density", stats.ZeroDensity).
		Int("degenerate", stats.Degenerate).
		Int("candidates", stats.Candidates).
		Int("intersections", stats.Intersections).
		Dur("elapsed", time.Since(start)).
		Str("output", out.Output).
		Msg("job complete")
	return out, nil
}

func (e *Engine) loadInputs(job Job, log zerolog.Logger) (boundary.Boundary, tracts.Attributes, []tracts.Shape, error) {
	attrPath := e.cfg.InputPath(e.cfg.Inputs.Attributes, job.Region)
	tractPath := e.cfg.InputPath(e.cfg.Inputs.Tracts, job.Region)
	boundaryPath := e.cfg.InputPath(e.cfg.Inputs.Boundary, job.Region)

	for _, p := range []string{attrPath, tractPath, boundaryPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return boundary.Boundary{}, nil, nil, jobError(job, ErrInputMissing, fmt.Errorf("%s not found", p))
			}
			return boundary.Boundary{}, nil, nil, jobError(job, ErrInputMissing, err)
		}
	}

	attrs, err := tracts.LoadAttributesFile(attrPath)
	if err != nil {
		return boundary.Boundary{}, nil, nil, jobError(job, ErrInputMissing, err)
	}
	shapes, err := tracts.LoadShapes(tractPath, e.cfg.Tracts.IDField)
	if err != nil {
		return boundary.Boundary{}, nil, nil, jobError(job, ErrInputMissing, err)
	}
	data, err := os.ReadFile(boundaryPath)
	if err != nil {
		return boundary.Boundary{}, nil, nil, jobError(job, ErrInputMissing, err)
	}
	b, err := boundary.Normalize(data, boundary.Options{MultiPolygon: e.cfg.Boundary.MultiPolygon})
	if err != nil {
		return boundary.Boundary{}, nil, nil, jobError(job, nil, err)
	}

	log.Debug().Int("attributes", len(attrs)).Int("shapes", len(shapes)).Int("boundary_parts", b.Parts()).Msg("inputs loaded")
	return b, attrs, shapes, nil
}

// distribute runs the chunks on a fail-fast pool and merges them.
func (e *Engine) distribute(ctx context.Context, ids []string, idx *tracts.Index, workers int, log zerolog.Logger) (map[string]density.Record, density.Stats, error) {
	chunks := Partition(ids, workers)
	opts := density.ChunkOptions{Area: e.area}

	pool := utils.NewWorkerPool[*tracts.Index, []string, chunkResult](workers, idx, "chunks", log)
	results, err := pool.Run(ctx, chunks, func(ctx context.Context, idx *tracts.Index, chunk []string) (chunkResult, error) {
		records, stats, err := e.compute(ctx, chunk, idx, opts)
		return chunkResult{records: records, stats: stats}, err
	})
	if err != nil {
		return nil, density.Stats{}, err
	}

	var stats density.Stats
	parts := make([][]density.Record, len(results))
	for i, r := range results {
		parts[i] = r.records
		stats.Add(r.stats)
	}
	merged, err := Merge(parts)
	if err != nil {
		return nil, stats, err
	}
	return merged, stats, nil
}

// RunAll runs every job and returns their outcomes in order. A failing job
// never stops the others. In chunks mode jobs run one after another with
// parallel chunks; in jobs mode jobs run in parallel with sequential chunks.
func (e *Engine) RunAll(ctx context.Context, jobs []Job) []Outcome {
	jobWorkers, chunkWorkers := 1, e.cfg.EffectiveWorkers()
	if e.cfg.Parallelism.Mode == config.ModeJobs {
		jobWorkers, chunkWorkers = e.cfg.EffectiveWorkers(), 1
	}

	pool := utils.NewWorkerPool[*Engine, Job, Outcome](jobWorkers, e, "jobs", logging.Logger())
	results := pool.RunEach(ctx, jobs, func(ctx context.Context, e *Engine, job Job) (Outcome, error) {
		return e.run(ctx, job, chunkWorkers)
	})

	outcomes := make([]Outcome, len(results))
	for i, r := range results {
		outcomes[i] = r.Result
		if r.Err != nil && r.Result.Status != StatusFailed {
			// only reachable through a recovered panic
			err := jobError(r.Job, ErrWorkerFailure, r.Err)
			outcomes[i] = Outcome{Job: r.Job, Status: StatusFailed, Err: err, Error: err.Error()}
		}
	}
	return outcomes
}

// SinkStatus reports, per sink, whether job has been written there.
func (e *Engine) SinkStatus(ctx context.Context, job Job) (map[string]bool, error) {
	status := make(map[string]bool, len(e.sinks)+1)
	for _, s := range append([]store.Sink{e.files}, e.sinks...) {
		ok, err := s.Exists(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("%s sink: %w", s.Name(), err)
		}
		status[s.Name()] = ok
	}
	return status, nil
}
