// Package jobs runs long book operations (extraction, splitting) off the
// request path on a bounded worker pool.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrClosed    = errors.New("job pool is shut down")
)

// Func is one unit of background work. Its context is cancelled on timeout
// or shutdown.
type Func func(ctx context.Context) error

type job struct {
	name string
	fn   Func
}

type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds each job; zero means no limit.
	Timeout time.Duration
}

type Pool struct {
	cfg    Config
	logger *zap.Logger
	queue  chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn without blocking.
func (p *Pool) Submit(name string, fn Func) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- job{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Shutdown stops accepting jobs, cancels running ones and waits for the
// workers until ctx expires. Queued jobs that never started are dropped.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		if p.ctx.Err() != nil {
			p.logger.Info("job dropped on shutdown", zap.String("job", j.name))
			continue
		}
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx := p.ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.logger.Warn("job failed", zap.String("job", j.name), zap.Duration("duration", time.Since(started)), zap.Error(err))
		return
	}
	p.logger.Info("job finished", zap.String("job", j.name), zap.Duration("duration", time.Since(started)))
}
