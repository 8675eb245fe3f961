package runner

import (
	"context"
	"sync"
)

// Task is one unit of pool work, typically a whole system test.
type Task func(ctx context.Context) error

// RunPool runs tasks with at most maxWorkers in flight. The returned slice
// holds each task's error at its index. Tasks not yet started when ctx is
// cancelled are skipped with ctx.Err().
func RunPool(ctx context.Context, maxWorkers int, tasks []Task) []error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxWorkers)

	for i, task := range tasks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = t(ctx)
		}(i, task)
	}
	wg.Wait()
	return errs
}
