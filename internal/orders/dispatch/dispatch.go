// Package dispatch is the order dispatch worker (C8): it drains the order
// queue by repeatedly calling process_next against a broker order
// adapter, checking queue emptiness once per cycle per spec.md §5.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/orders"
	"github.com/sawpanic/kisgateway/internal/orders/queue"
)

// Worker repeatedly drains the queue against an OrderAdapter.
type Worker struct {
	queue        *queue.Queue
	adapter      broker.OrderAdapter
	pollInterval time.Duration
}

// New builds a dispatch worker. pollInterval is how often the worker
// wakes to check for newly enqueued work; 0 selects a 200ms default.
func New(q *queue.Queue, adapter broker.OrderAdapter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &Worker{queue: q, adapter: adapter, pollInterval: pollInterval}
}

// Run blocks, draining the queue every pollInterval until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes every dispatchable job currently queued, stopping early
// if ctx is canceled mid-cycle.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.queue.ProcessNext(func(job orders.Job) (string, error) {
			return w.adapter.Submit(ctx, job)
		})
		if err != nil {
			log.Error().Err(err).Msg("dispatch worker failed to process job")
		}
		if !processed {
			return
		}
	}
}
