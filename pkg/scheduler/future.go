package scheduler

import (
	"context"
	"sync"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// Callback is notified when a plan computation succeeds.
type Callback interface {
	CalculationComplete(job *engine.Job)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(job *engine.Job)

// CalculationComplete implements Callback.
func (f CallbackFunc) CalculationComplete(job *engine.Job) { f(job) }

// Future is the handle to a scheduled plan computation.
type Future struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	completed bool
	cancelled bool
	job       *engine.Job
	err       error
}

func newFuture(id string, cancel context.CancelFunc) *Future {
	return &Future{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the computation ID.
func (f *Future) ID() string { return f.id }

// Done is closed once the computation has finished or was cancelled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the computation finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*engine.Job, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.job, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the computation and completes the future with a CANCELLED
// error; the callback will not run. It reports false when the result was
// already delivered, in which case the caller must discard the plan itself.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.cancelled = true
	f.err = engine.NewComputationError("plan computation cancelled", nil).
		WithCode(engine.ErrCodeCancelled)
	f.mu.Unlock()

	f.cancel()
	close(f.done)
	return true
}

// Cancelled reports whether Cancel took effect.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// complete records the outcome and reports whether the callback should run.
func (f *Future) complete(job *engine.Job, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.job, f.err = job, err
	f.mu.Unlock()

	f.cancel()
	close(f.done)
	return err == nil && job != nil
}
