package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool is a fixed set of goroutines draining a task queue. A panicking task
// is recovered and logged; the worker keeps running.
type Pool struct {
	size  int
	tasks chan func()

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// DefaultPool returns the process-wide pool, sized to the host CPU count and
// started on first use.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(0, 0)
	})
	return defaultPool
}

// NewPool starts a pool with size workers and a queue of queueSize pending
// tasks. Non-positive values select runtime.NumCPU() workers and a queue of
// 64 tasks per worker.
func NewPool(size, queueSize int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = size * 64
	}

	p := &Pool{
		size:  size,
		tasks: make(chan func(), queueSize),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Submit queues task. It blocks while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "pool").
				Int("worker", id).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()
	task()
}
