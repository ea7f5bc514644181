// Package dispatcher runs the worker pool that executes scheduled jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/worker"
)

// ErrBacklogFull is returned by Offer when every worker is busy and the
// backlog is at capacity.
var ErrBacklogFull = errors.New("dispatcher backlog full")

// Backlog is the bounded hand-off between the scheduler loop and the workers.
type Backlog interface {
	crawler.Queue
	// TryEnqueue adds job without blocking, failing when the backlog is full.
	TryEnqueue(job crawler.CrawlJob) error
	Len() int
}

// Dispatcher owns the worker pool for one scheduler run.
type Dispatcher struct {
	backlog Backlog
	workers []*worker.Worker
}

// New creates a Dispatcher. Workers must dequeue from backlog.
func New(backlog Backlog, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{backlog: backlog, workers: workers}
}

// Run starts all workers and blocks until ctx finishes and every in-flight
// job has returned. Jobs still waiting in the backlog are abandoned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	<-ctx.Done()
	wg.Wait()
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Pending reports how many jobs wait for a free worker.
func (d *Dispatcher) Pending() int {
	return d.backlog.Len()
}

// Offer hands job to the pool without blocking the scheduler loop.
func (d *Dispatcher) Offer(job crawler.CrawlJob) error {
	if err := d.backlog.TryEnqueue(job); err != nil {
		return fmt.Errorf("offer %s: %w", job.JobID, err)
	}
	return nil
}
