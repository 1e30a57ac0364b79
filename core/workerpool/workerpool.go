package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/monitoring"
)

// ErrInProgress is returned when work for the same key is already queued or running
var ErrInProgress = errors.New("work already in progress")

// ErrStopped is returned when submitting to a pool that is not accepting work
var ErrStopped = errors.New("worker pool stopped")

// Func is a unit of work. The context is the pool's context.
type Func func(ctx context.Context) error

type item struct {
	key string
	fn  Func
}

// Options configures the pool
type Options struct {
	// WorkerCount is the number of concurrent workers
	WorkerCount int
	// QueueSize is the size of the work queue buffer
	QueueSize int
}

// Pool runs submitted work on a fixed number of workers
type Pool struct {
	Options
	queue      chan item
	inProgress sync.Map
	workers    sync.WaitGroup
	mu         sync.RWMutex
	stopped    bool
}

// New creates a pool. Zero options fall back to 10 workers and 100 queued items.
func New(opts Options) *Pool {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	return &Pool{
		Options: opts,
		queue:   make(chan item, opts.QueueSize),
	}
}

// Start runs the workers and blocks until ctx is cancelled, then drains the queue
func (p *Pool) Start(ctx context.Context) {
	log.Info().Int("workers", p.WorkerCount).Int("queueSize", p.QueueSize).Msg("starting worker pool")

	for i := 0; i < p.WorkerCount; i++ {
		p.workers.Add(1)
		go p.worker(ctx)
	}

	<-ctx.Done()

	p.mu.Lock()
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.workers.Wait()
	log.Info().Msg("worker pool stopped")
}

// Submit queues fn under key. Work for a key already queued or running is rejected with ErrInProgress.
func (p *Pool) Submit(key string, fn Func) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	if _, exists := p.inProgress.LoadOrStore(key, struct{}{}); exists {
		return ErrInProgress
	}

	select {
	case p.queue <- item{key: key, fn: fn}:
		monitoring.WorkQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		p.inProgress.Delete(key)
		return fmt.Errorf("work queue is full, cannot enqueue %s", key)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.workers.Done()
	for it := range p.queue {
		monitoring.WorkQueueDepth.Set(float64(len(p.queue)))
		p.run(ctx, it)
	}
}

func (p *Pool) run(ctx context.Context, it item) {
	defer p.inProgress.Delete(it.key)
	defer func() {
		if r := recover(); r != nil {
			monitoring.WorkItemsTotal.WithLabelValues("panic").Inc()
			log.Error().Str("key", it.key).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("work item panicked")
		}
	}()

	if err := it.fn(ctx); err != nil {
		monitoring.WorkItemsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("key", it.key).Msg("work item failed")
		return
	}
	monitoring.WorkItemsTotal.WithLabelValues("ok").Inc()
}
