package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrKeyInFlight is returned by SubmitKeyed when work for the key is already running.
	ErrKeyInFlight = errors.New("work for key already in flight")
)

// PoolOptions tunes a WorkerPool.
type PoolOptions struct {
	// TaskTimeout bounds each task; zero means no per-task deadline.
	TaskTimeout time.Duration
	// OnError is called with the task key (empty for Submit) when a task
	// returns an error or panics. One task failing never affects another.
	OnError func(key string, err error)
}

// WorkerPool is a bounded goroutine pool used by the sweeper and backfill.
type WorkerPool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	metrics  PoolMetrics
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	inflight map[string]struct{}
	opts     PoolOptions
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, opts ...PoolOptions) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
	if len(opts) > 0 {
		p.opts = opts[0]
	}
	return p
}

// Submit enqueues work into the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.submit(ctx, "", fn)
}

// SubmitKeyed is Submit with at most one task in flight per key. A second
// submit for a running key returns ErrKeyInFlight without blocking.
func (p *WorkerPool) SubmitKeyed(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if _, busy := p.inflight[key]; busy {
		p.mu.Unlock()
		atomic.AddInt64(&p.metrics.Skipped, 1)
		return ErrKeyInFlight
	}
	p.inflight[key] = struct{}{}
	p.mu.Unlock()

	err := p.submit(ctx, key, fn)
	if err != nil {
		p.release(key)
	}
	return err
}

func (p *WorkerPool) submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.reportError(key, fmt.Errorf("panic: %v", r))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			if key != "" {
				p.release(key)
			}
			<-p.sem
			p.wg.Done()
		}()

		taskCtx := ctx
		if p.opts.TaskTimeout > 0 {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
			defer cancel()
		}

		if err := fn(taskCtx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.reportError(key, err)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

func (p *WorkerPool) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

func (p *WorkerPool) reportError(key string, err error) {
	if p.opts.OnError != nil {
		p.opts.OnError(key, err)
	}
}

// InFlight reports whether work for key is currently running.
func (p *WorkerPool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Skipped:   atomic.LoadInt64(&p.metrics.Skipped),
	}
}
