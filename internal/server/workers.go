package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/telemetry"
)

// Pool runs fire-and-forget work on a fixed set of workers. Submit
// never blocks: a full queue drops the task and bumps a counter, which
// sheds load instead of growing goroutines without bound.
type Pool struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	dropped atomic.Int64
	sink    telemetry.Sink
	logger  zerolog.Logger
}

func NewPool(workers, queueSize int, sink telemetry.Sink, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
		sink:    sink,
		logger:  logger.With().Str("component", "workers").Logger(),
	}
}

// Start launches the workers. Cancelling ctx stops them after their
// current task; Stop additionally drains the queue first.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info().Int("workers", p.workers).Int("queue", cap(p.tasks)).Msg("worker pool started")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

// run executes one task; a panicking task never takes the worker down.
func (p *Pool) run(task func()) {
	defer logging.Recover(p.logger, "worker task", nil)
	task()
}

// Submit enqueues task for asynchronous execution, dropping it when the
// queue is full.
func (p *Pool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		p.dropped.Add(1)
		p.sink.Count("workers_dropped_total", 1)
	}
}

// Stop seals the queue and waits for the workers to drain it. Submit
// must not be called after Stop.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info().Int64("dropped", p.Dropped()).Msg("worker pool stopped")
}

// Dropped reports how many tasks were shed since start.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// QueueDepth reports tasks waiting for a worker.
func (p *Pool) QueueDepth() int { return len(p.tasks) }
