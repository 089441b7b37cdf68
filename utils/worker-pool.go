package utils

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs units of work of type J against a shared read-only value of
// type S on at most NumWorkers goroutines. The pool never mutates Shared.
type WorkerPool[S, J, R any] struct {
	NumWorkers int
	Shared     S
	Name       string
	Logger     zerolog.Logger
}

// WorkFunc processes one unit of work.
type WorkFunc[S, J, R any] func(ctx context.Context, shared S, job J) (R, error)

// Outcome is the per-job result of RunEach.
type Outcome[J, R any] struct {
	Job    J
	Result R
	Err    error
}

// NewWorkerPool creates a pool. numWorkers <= 0 selects NumCPU-1, at least 1.
func NewWorkerPool[S, J, R any](numWorkers int, shared S, name string, logger zerolog.Logger) *WorkerPool[S, J, R] {
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers()
	}
	return &WorkerPool[S, J, R]{
		NumWorkers: numWorkers,
		Shared:     shared,
		Name:       name,
		Logger:     logger,
	}
}

// DefaultWorkers leaves one core for the coordinator.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	return n
}

// Run processes all jobs and returns results in job order. The first failing
// job cancels the context seen by the others and its error is returned; no
// partial result is returned in that case. A panic inside work is reported as
// that job's error.
func (wp *WorkerPool[S, J, R]) Run(ctx context.Context, jobs []J, work WorkFunc[S, J, R]) ([]R, error) {
	if len(jobs) == 0 {
		return []R{}, nil
	}

	tracker := NewProgressTracker(int64(len(jobs)), wp.Name, wp.Logger)
	results := make([]R, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wp.NumWorkers)

	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := wp.call(gctx, job, work)
			if err != nil {
				return fmt.Errorf("%s: unit %d: %w", wp.Name, i, err)
			}
			// each index is written by exactly one goroutine
			results[i] = result
			tracker.Increment()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunEach processes every job regardless of failures in the others and
// reports each job's outcome, in job order.
func (wp *WorkerPool[S, J, R]) RunEach(ctx context.Context, jobs []J, work WorkFunc[S, J, R]) []Outcome[J, R] {
	outcomes := make([]Outcome[J, R], len(jobs))
	if len(jobs) == 0 {
		return outcomes
	}

	tracker := NewProgressTracker(int64(len(jobs)), wp.Name, wp.Logger)
	queue := make(chan int)

	var wg sync.WaitGroup
	workers := wp.NumWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range queue {
				result, err := wp.call(ctx, jobs[i], work)
				outcomes[i] = Outcome[J, R]{Job: jobs[i], Result: result, Err: err}
				tracker.Increment()
			}
		}()
	}

	for i := range jobs {
		queue <- i
	}
	close(queue)
	wg.Wait()

	return outcomes
}

func (wp *WorkerPool[S, J, R]) call(ctx context.Context, job J, work WorkFunc[S, J, R]) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return work(ctx, wp.Shared, job)
}

// ProgressTracker tracks progress of concurrent operations
type ProgressTracker struct {
	Total     int64
	Processed int64
	StartTime time.Time
	Name      string
	Every     int64
	logger    zerolog.Logger
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(total int64, name string, logger zerolog.Logger) *ProgressTracker {
	every := total / 10
	if every < 1 {
		every = 1
	}
	return &ProgressTracker{
		Total:     total,
		StartTime: time.Now(),
		Name:      name,
		Every:     every,
		logger:    logger,
	}
}

// Increment increments the processed count atomically and logs every Every
// items and at completion.
func (pt *ProgressTracker) Increment() {
	processed := atomic.AddInt64(&pt.Processed, 1)

	if processed%pt.Every == 0 || processed == pt.Total {
		elapsed := time.Since(pt.StartTime)
		rate := float64(processed) / elapsed.Seconds()
		pt.logger.Debug().
			Str("pool", pt.Name).
			Int64("processed", processed).
			Int64("total", pt.Total).
			Float64("percent", float64(processed)/float64(pt.Total)*100).
			Float64("per_sec", rate).
			Msg("progress")
	}
}

// GetProgress returns the current progress
func (pt *ProgressTracker) GetProgress() (int64, int64, float64) {
	processed := atomic.LoadInt64(&pt.Processed)
	percentage := float64(processed) / float64(pt.Total) * 100
	return processed, pt.Total, percentage
}
