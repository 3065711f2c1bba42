package engine

import (
	"context"
	"log/slog"
	"sync"
)

// workerPool runs jobs on a fixed set of worker goroutines fed from a
// thread-safe FIFO trigger queue.
//
// The queue is unbounded: triggers are cheap (a job id) and the lease
// already caps them at one per config. A buffered signal channel of size 1
// coalesces wakeups so workers can wait without spinning and without
// missing a submit that races their last drain.
type workerPool struct {
	run func(ctx context.Context, jobID string)
	log *slog.Logger

	mu     sync.Mutex
	jobs   []string
	closed bool
	signal chan struct{}

	size int
	wg   sync.WaitGroup
}

func newWorkerPool(size int, run func(ctx context.Context, jobID string), log *slog.Logger) *workerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &workerPool{
		run:    run,
		log:    log,
		jobs:   make([]string, 0, 16),
		signal: make(chan struct{}, 1),
		size:   size,
	}
}

// Submit enqueues a job id for execution. Safe from any goroutine.
// Returns false once the pool has shut down.
func (p *workerPool) Submit(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.jobs = append(p.jobs, jobID)
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front job id without blocking.
func (p *workerPool) tryDequeue() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.jobs) == 0 {
		return "", false
	}
	id := p.jobs[0]
	p.jobs = p.jobs[1:]
	// Keep the signal armed while work remains, so sibling workers wake.
	if len(p.jobs) > 0 {
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
	return id, true
}

// Start launches the workers. They drain the queue until ctx ends; a job
// in flight at shutdown observes the context itself and leaves its row
// resumable.
func (p *workerPool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			log := p.log.With("worker", worker)
			for {
				id, ok := p.tryDequeue()
				if !ok {
					select {
					case <-ctx.Done():
						p.close()
						return
					case <-p.signal:
						continue
					}
				}
				log.Debug("job picked up", "job", id)
				p.run(ctx, id)
			}
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *workerPool) Wait() {
	p.wg.Wait()
}

func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	// Wake any sibling still parked on the signal channel.
	select {
	case p.signal <- struct{}{}:
	default:
	}
}
