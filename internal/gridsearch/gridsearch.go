// Package gridsearch implements the grid-search optimization method
// (C9): a data-parallel worker-pool map over every candidate
// ParameterSet, grounded on the bounded worker-pool pattern of this
// codebase's concurrency layer.
package gridsearch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/avolkov/backtestsim/internal/metrics"
	"github.com/avolkov/backtestsim/internal/paramspace"
)

// Fitness evaluates one ParameterSet, returning both its full metrics
// result (for reporting) and the scalar score derived from it (for
// ranking/selection).
type Fitness func(ctx context.Context, ps paramspace.ParameterSet) (metrics.Result, float64, error)

// Result pairs one candidate with its score and full metrics.
type Result struct {
	ParameterSet paramspace.ParameterSet
	Metric       metrics.Result
	Score        float64
	Err          error
}

// Progress reports how many candidates have completed so far.
type Progress struct {
	Completed int
	Total     int
}

// Run evaluates every combination with up to workerCount goroutines
// running concurrently (invariant 9: exhaustive, every combination is
// evaluated exactly once). Results are returned in the same order as
// combinations, regardless of completion order. progress may be nil.
func Run(
	ctx context.Context,
	logger *zap.Logger,
	fitness Fitness,
	combinations []paramspace.ParameterSet,
	workerCount int,
	progress chan<- Progress,
) []Result {
	if workerCount < 1 {
		workerCount = 1
	}

	results := make([]Result, len(combinations))
	indices := make(chan int, len(combinations))
	for i := range combinations {
		indices <- i
	}
	close(indices)

	var completed int64
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indices {
				select {
				case <-ctx.Done():
					results[idx] = Result{ParameterSet: combinations[idx], Err: ctx.Err()}
					continue
				default:
				}

				metric, score, err := fitness(ctx, combinations[idx])
				if err != nil {
					logger.Debug("gridsearch: candidate failed", zap.Int("index", idx), zap.Error(err))
				}
				results[idx] = Result{ParameterSet: combinations[idx], Metric: metric, Score: score, Err: err}

				n := atomic.AddInt64(&completed, 1)
				if progress != nil {
					select {
					case progress <- Progress{Completed: int(n), Total: len(combinations)}:
					default:
					}
				}
			}
		}()
	}
	wg.Wait()

	return results
}

// Best returns the highest-scoring non-error result, or ok=false when
// results is empty or every candidate failed.
func Best(results []Result) (Result, bool) {
	var best Result
	found := false
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if !found || r.Score > best.Score {
			best = r
			found = true
		}
	}
	return best, found
}
