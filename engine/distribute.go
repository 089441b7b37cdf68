package engine

import (
	"fmt"

	"github.com/bsaid97/hexdensity/density"
)

// Partition splits ids into at most n contiguous, non-empty chunks whose sizes
// differ by at most one. Concatenating the chunks gives ids back.
func Partition(ids []string, n int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > len(ids) {
		n = len(ids)
	}

	chunks := make([][]string, 0, n)
	size, extra := len(ids)/n, len(ids)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		chunks = append(chunks, ids[start:end])
		start = end
	}
	return chunks
}

// Merge combines chunk results into a single mapping keyed by hex id. A hex
// reported by two chunks means the partition was broken and is an error.
func Merge(chunks [][]density.Record) (map[string]density.Record, error) {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	merged := make(map[string]density.Record, n)
	for i, c := range chunks {
		for _, rec := range c {
			if _, dup := merged[rec.Hex]; dup {
				return nil, fmt.Errorf("hex %s reported twice (chunk %d)", rec.Hex, i)
			}
			merged[rec.Hex] = rec
		}
	}
	return merged, nil
}
