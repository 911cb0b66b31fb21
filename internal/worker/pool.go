// Package worker implements the bounded crypto and disk worker pools of
// spec.md §5: a fixed number of goroutines drain a job queue, each job
// runs off the logic thread, and its result crosses back via a
// completion callback — never by touching core state directly. This is
// the Go analogue of original_source/llarp/threadpool.cpp sized the way
// spec.md §5 specifies (crypto: N=2 workers, disk: 1 worker), gated with
// a weighted semaphore the way the teacher's existing golang.org/x
// dependency family (x/crypto) is sibling to golang.org/x/sync.
package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted jobs with bounded concurrency.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool allowing up to concurrency jobs to run at once.
func New(concurrency int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(concurrency)}
}

// Submit runs job in a new goroutine once a slot is free, then calls
// done with job's result. done is invoked off the pool's own goroutine;
// callers that must return to a single logic thread are responsible for
// re-queuing done onto it (see pkg/router's logic executor).
func (p *Pool) Submit(job func() error, done func(error)) {
	go func() {
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			done(err)
			return
		}
		defer p.sem.Release(1)
		done(job())
	}()
}
