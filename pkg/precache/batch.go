package precache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// fetchJob is one manifest entry that is absent from the bucket.
type fetchJob struct {
	target *target
}

// fetchResult is the outcome of one fetchJob.
type fetchResult struct {
	target *target
	err    error
}

// fetchAll stores every job through store using a bounded worker pool and
// returns one result per job. After cancellation the remaining jobs report
// the context error without being attempted.
func fetchAll(ctx context.Context, jobs []fetchJob, concurrency int, timeout time.Duration, logger zerolog.Logger, store func(context.Context, *target) error) []fetchResult {
	if len(jobs) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(jobs) {
		concurrency = len(jobs)
	}

	queue := make(chan fetchJob, len(jobs))
	results := make(chan fetchResult, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go worker(ctx, queue, results, &wg, i, timeout, logger, store)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]fetchResult, 0, len(jobs))
	for result := range results {
		out = append(out, result)
	}
	return out
}

// worker processes jobs from the queue
func worker(ctx context.Context, queue <-chan fetchJob, results chan<- fetchResult, wg *sync.WaitGroup, workerID int, timeout time.Duration, logger zerolog.Logger, store func(context.Context, *target) error) {
	defer wg.Done()
	processed := 0

	for job := range queue {
		select {
		case <-ctx.Done():
			results <- fetchResult{target: job.target, err: ctx.Err()}
			continue
		default:
		}

		jobCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			jobCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := store(jobCtx, job.target)
		cancel()

		results <- fetchResult{target: job.target, err: err}
		processed++
	}

	if processed > 0 {
		logger.Debug().
			Int("worker_id", workerID).
			Int("entries_processed", processed).
			Msg("Worker completed")
	}
}
