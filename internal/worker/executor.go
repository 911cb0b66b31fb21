package worker

import "sync"

// Executor is the single-threaded "logic executor" of spec.md §5: all
// state-mutating core operations run here, one at a time, in the order
// queued. Crypto/disk pool completions and event-loop timer callbacks
// all cross back onto it via QueueJob before touching core state.
type Executor struct {
	jobs chan func()
	wg   sync.WaitGroup
	stop chan struct{}
}

// NewExecutor starts the executor's single worker goroutine. queueSize
// bounds how many pending jobs may be buffered before QueueJob blocks.
func NewExecutor(queueSize int) *Executor {
	e := &Executor{
		jobs: make(chan func(), queueSize),
		stop: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Executor) run() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-e.stop:
			// Drain anything already queued before exiting so a job
			// enqueued just before Stop still runs once.
			for {
				select {
				case job := <-e.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// QueueJob schedules job to run on the logic thread. Safe to call from
// any goroutine, including from within a job already running on the
// executor (it will run after the current job completes).
func (e *Executor) QueueJob(job func()) {
	e.jobs <- job
}

// Stop signals the executor to drain its queue and exit, then blocks
// until it has done so.
func (e *Executor) Stop() {
	close(e.stop)
	e.wg.Wait()
}
