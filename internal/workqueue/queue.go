// Package workqueue runs fire-and-forget side effects with bounded
// concurrency. Submit never blocks the caller.
package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxInFlight = 32
	DefaultTaskTimeout = 15 * time.Second
)

type Queue struct {
	sem         *semaphore.Weighted
	wg          sync.WaitGroup
	taskTimeout time.Duration
	logger      *slog.Logger
}

func New(maxInFlight int64, taskTimeout time.Duration, logger *slog.Logger) *Queue {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sem:         semaphore.NewWeighted(maxInFlight),
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// Submit starts fn in the background and reports whether it was accepted.
// When the queue is full the task is dropped and logged. fn runs detached
// from ctx cancellation but keeps its values, bounded by the task timeout.
func (q *Queue) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	if !q.sem.TryAcquire(1) {
		q.logger.Warn("work queue full, dropping task", "task", name)
		return false
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.sem.Release(1)

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.taskTimeout)
		defer cancel()
		if err := run(tctx, fn); err != nil {
			q.logger.Warn("background task failed", "task", name, "err", err)
		}
	}()
	return true
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workqueue: task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Drain waits for every accepted task to finish, or for ctx to end.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
