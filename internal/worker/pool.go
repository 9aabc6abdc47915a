// Package worker runs background tasks on a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("worker: queue is full")
	ErrClosed    = errors.New("worker: pool is closed")
)

// Task is one unit of background work. The context is cancelled when the
// pool shuts down.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool is a bounded worker pool: concurrency goroutines drain a buffered
// queue of concurrency*2 tasks.
type Pool struct {
	log    *slog.Logger
	jobs   chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(concurrency int, log *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	if concurrency > 50 {
		concurrency = 50
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:    log,
		jobs:   make(chan Task, concurrency*2),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go p.loop(i)
	}
	return p
}

func (p *Pool) loop(workerID int) {
	defer p.wg.Done()
	for t := range p.jobs {
		start := time.Now()
		if err := p.run(t); err != nil {
			p.log.Warn("task failed", "worker", workerID, "task", t.Name, "cost", time.Since(start), "err", err)
			continue
		}
		if cost := time.Since(start); cost > 2*time.Second {
			p.log.Info("slow task", "worker", workerID, "task", t.Name, "cost", cost)
		}
	}
}

func (p *Pool) run(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "task", t.Name, "panic", r)
			err = errors.New("worker: task panicked")
		}
	}()
	return t.Run(p.ctx)
}

// Submit queues t without blocking.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, running tasks are cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
