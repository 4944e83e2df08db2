package stage

import (
	"context"
	"errors"
	"sync"
)

// Fanout runs count parallel instances of a stage, each its own
// consumer in the shared group, and sums their counters after all of
// them join. The broker routes partitions across the instances.
func Fanout(ctx context.Context, count int, build func(instance int) (*Stage, error)) (*Metrics, error) {
	if count < 1 {
		count = 1
	}

	var runCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	type report struct {
		metrics *Metrics
		err     error
	}
	var reports = make(chan report, count)
	var wg sync.WaitGroup

	for instance := 0; instance != count; instance++ {
		var s, err = build(instance)
		if err != nil {
			// Unwind instances already running.
			cancel()
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			var metrics, runErr = s.Run(runCtx)
			reports <- report{metrics, runErr}
		}()
	}
	wg.Wait()
	close(reports)

	var total = newMetrics()
	var errs []error
	for r := range reports {
		if r.metrics != nil {
			total.Add(r.metrics)
		}
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return total, errors.Join(errs...)
}
