// Package parallel runs independent host-side work items, such as per-image
// detection filtering, on a bounded number of goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution.
type Config struct {
	Workers  int // Upper bound on goroutines; 1 or less runs inline.
	MinItems int // Fewer items than this run inline.
}

// DefaultConfig uses one worker per CPU and parallelises from two items.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		MinItems: 2,
	}
}

// For calls f(i) for every i in [0, n). Items are split into contiguous
// ranges, one per worker, and For returns once all calls have finished. f
// must only write state owned by item i.
func For(n int, cfg Config, f func(i int)) {
	if cfg.Workers <= 1 || n < max(cfg.MinItems, 2) {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	workers := min(cfg.Workers, n)
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Map applies f to every item and returns the results in item order.
func Map[T any](n int, cfg Config, f func(i int) T) []T {
	out := make([]T, n)
	For(n, cfg, func(i int) {
		out[i] = f(i)
	})
	return out
}
