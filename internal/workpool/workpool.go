// Package workpool runs submitted tasks on a bounded number of goroutines.
// Submission never blocks the caller; tasks wait for a free slot instead.
package workpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrStopped = errors.New("worker pool stopped")

type Pool struct {
	name   string
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a pool running at most size tasks at once. A size below one is
// treated as one.
func New(name string, size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}

	p := &Pool{
		name:   name,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Submit queues task. It returns ErrStopped once Stop has been called, in
// which case task never runs.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		// Background never cancels, so Acquire only returns once a slot frees.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker task panicked", "pool", p.name, "panic", r)
			}
		}()

		task()
	}()

	return nil
}

// Stop rejects further submissions and waits for queued and running tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait()
}
