// Package workers provides the bounded worker pool shared by feature
// computation and classification.
package workers

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"trainableseg/internal/models"
)

// Pool bounds the number of jobs running at once across every Run call
// made on it. A job must not call Run on the pool it is running in.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

// New creates a pool of the given size. A size below 1 uses the number of
// available CPUs.
func New(size int) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the maximum number of concurrent jobs
func (p *Pool) Size() int {
	return int(p.size)
}

// Run executes fn for every index in [0, n) and waits for all launched jobs
// to finish. The first error cancels the context passed to the remaining
// jobs and is returned. Once ctx is cancelled no further jobs are launched
// and a cancellation error is returned.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		if err := p.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			return fn(gctx, i)
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Cancelled("worker pool", ctxErr)
	}
	return err
}

// Span is a half-open index range [Start, End)
type Span struct {
	Start, End int
}

// Len returns the number of indices in the span
func (s Span) Len() int {
	return s.End - s.Start
}

// Partition splits [0, total) into parts contiguous spans of total/parts
// indices each; the last span also takes the remainder. Parts is clamped to
// [1, total] so no span is empty unless total is 0.
func Partition(total, parts int) []Span {
	if total <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > total {
		parts = total
	}

	size := total / parts
	spans := make([]Span, parts)
	for i := range spans {
		spans[i] = Span{Start: i * size, End: (i + 1) * size}
	}
	spans[parts-1].End = total
	return spans
}
