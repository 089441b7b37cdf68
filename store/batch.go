// Package store persists density results: the flat JSON artifact that marks
// a job complete, optional geometry exports, and document/relational sinks.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bsaid97/hexdensity/density"
	"github.com/bsaid97/hexdensity/metrics"
)

// Job identifies one region at one resolution.
type Job struct {
	Region     string `json:"region"`
	Resolution int    `json:"resolution"`
}

// Key is the stable identifier used for markers and logs.
func (j Job) Key() string {
	return fmt.Sprintf("%s/%d", j.Region, j.Resolution)
}

// Sink is a destination for a job's records.
type Sink interface {
	Name() string
	// Exists reports whether the job has already been written completely.
	Exists(ctx context.Context, job Job) (bool, error)
	Write(ctx context.Context, job Job, records map[string]density.Record) error
}

// DefaultBatchCeiling is the per-commit operation limit of the document
// store; batches are flushed one operation short of it.
const DefaultBatchCeiling = 500

// PlanBatches splits n operations into consecutive [start, end) ranges of at
// most ceiling-1 operations each.
func PlanBatches(n, ceiling int) [][2]int {
	size := ceiling - 1
	if size < 1 {
		size = 1
	}
	var batches [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		batches = append(batches, [2]int{start, end})
	}
	return batches
}

// RetryPolicy bounds retries of a single batch flush.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, InitialInterval: 500 * time.Millisecond, MaxElapsedTime: 2 * time.Minute}
}

// retry runs op with exponential backoff and records the batch outcome.
func (p RetryPolicy) retry(ctx context.Context, sink string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxElapsedTime = p.MaxElapsedTime
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StoreBatches.WithLabelValues(sink, status).Inc()
	return err
}

// sortedKeys returns the hex ids of records in ascending order.
func sortedKeys(records map[string]density.Record) []string {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
