package engine

import (
	"context"

	"github.com/bsaid97/hexdensity/store"
)

// Gate decides whether a job still needs computing. A job is complete when
// its artifact exists in the file sink; since that artifact is written after
// every other output, a job interrupted part way is simply recomputed.
type Gate struct {
	Files *store.FileSink
	Force bool
}

// Done reports whether job can be skipped.
func (g Gate) Done(ctx context.Context, job Job) (bool, error) {
	if g.Force {
		return false, nil
	}
	return g.Files.Exists(ctx, job)
}
