package chat

import (
	"context"
	"fmt"
	"sync"
)

// DefaultConcurrency is the wave size used when none is configured.
const DefaultConcurrency = 3

// BatchResult is the outcome of one request in a batch. Results are always
// index-addressable: result i corresponds to request i regardless of
// completion order.
type BatchResult struct {
	Index    int
	Response *Response
	Err      error
}

// Success reports whether the request completed without error.
func (r BatchResult) Success() bool {
	return r.Err == nil
}

// BatchError is the fail-fast rejection shape: the first failure, every
// result computed before scheduling stopped, and the boundary of the last
// fully-attempted wave.
type BatchError struct {
	Err            error
	PartialResults []BatchResult
	CompletedCount int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted after %d request(s): %v", e.CompletedCount, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// ExchangeFunc runs the single request at the given index.
type ExchangeFunc func(ctx context.Context, index int) (*Response, error)

// BatchConfig controls wave size and failure policy.
type BatchConfig struct {
	// Concurrency is the maximum number of in-flight exchanges. Zero or
	// negative means DefaultConcurrency.
	Concurrency int
	// FailFast stops launching new waves after the first failure and turns
	// the whole batch into an error carrying partial progress. The default
	// best-effort mode runs every wave and mixes successes and failures in
	// the returned slice.
	FailFast bool
}

// RunBatch executes n independent exchanges in sequential waves of at most
// cfg.Concurrency. Within a wave requests run concurrently; a wave always
// runs to completion before the next one starts, so fail-fast never cancels
// work already in flight.
func RunBatch(ctx context.Context, n int, cfg BatchConfig, exchange ExchangeFunc) ([]BatchResult, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make([]BatchResult, n)
	for i := range results {
		results[i] = BatchResult{Index: i}
	}

	for start := 0; start < n; start += concurrency {
		end := start + concurrency
		if end > n {
			end = n
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				resp, err := exchange(ctx, i)
				results[i] = BatchResult{Index: i, Response: resp, Err: err}
			}(i)
		}
		wg.Wait()

		if !cfg.FailFast {
			continue
		}
		for i := start; i < end; i++ {
			if results[i].Err != nil {
				return nil, &BatchError{
					Err:            results[i].Err,
					PartialResults: results[:end],
					CompletedCount: end,
				}
			}
		}
	}

	return results, nil
}
