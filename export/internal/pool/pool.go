// Package pool maintains a bounded set of reusable page resources. It owns
// worker bookkeeping (work counts, health, idle age) inside a short
// critical section; actual page work always happens outside the lock.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/hcexport/idgen"
)

// Page is the resource managed by the pool. A page reports unhealthy when
// its main frame detached or its JS state may be corrupt; unhealthy pages
// are destroyed on release, never reused.
type Page interface {
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
	Healthy() bool
	MarkUnhealthy()
}

// Factory creates one page. The id is the worker ID the page is created
// for. Called with a context bounded by the create timeout.
type Factory func(ctx context.Context, id string) (Page, error)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("pool: closed")

// AcquireTimeoutError is returned when no worker became available in time.
type AcquireTimeoutError struct {
	Timeout time.Duration
	Cause   error
}

func (e *AcquireTimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pool: acquire timed out after %s: %v", e.Timeout, e.Cause)
	}
	return fmt.Sprintf("pool: acquire timed out after %s", e.Timeout)
}

func (e *AcquireTimeoutError) Unwrap() error { return e.Cause }

// CreateError reports page creation that kept failing until the create
// timeout. Waiters observe it as the cause of their acquire timeout.
type CreateError struct {
	Cause error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("pool: worker creation failed: %v", e.Cause)
}

func (e *CreateError) Unwrap() error { return e.Cause }

// Config bounds the pool.
type Config struct {
	MinWorkers int
	MaxWorkers int
	// WorkLimit is how many renders a worker performs before being
	// destroyed on release. Zero or negative disables recycling.
	WorkLimit int

	// AcquireTimeout zero means fail immediately when no worker is free.
	AcquireTimeout      time.Duration
	CreateTimeout       time.Duration
	DestroyTimeout      time.Duration
	IdleTimeout         time.Duration
	CreateRetryInterval time.Duration
	ReaperInterval      time.Duration

	Benchmarking bool

	NewID  idgen.Generator
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 10 * time.Second
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.CreateRetryInterval <= 0 {
		c.CreateRetryInterval = 200 * time.Millisecond
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Second
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("wrk_", idgen.Default)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker is one pooled page plus its bookkeeping. The work count belongs
// to the pool's critical section and is deliberately not exported.
type Worker struct {
	ID   string
	page Page

	workCount  int
	createdAt  time.Time
	lastUsedAt time.Time
}

// Page returns the underlying page resource.
func (w *Worker) Page() Page { return w.page }

type waiter struct {
	ch chan *Worker
}

// Pool is a bounded worker pool with FIFO acquire ordering.
type Pool struct {
	cfg     Config
	factory Factory

	mu            sync.Mutex
	free          []*Worker // stack: hot workers at the top, idle age at the bottom
	inUse         map[*Worker]struct{}
	waiters       *list.List
	size          int // live workers, free + in use
	creating      int // reserved creation slots
	closed        bool
	lastCreateErr error

	stopReaper chan struct{}
}

// New creates a Pool. Call Start to warm it up.
func New(cfg Config, factory Factory) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:        cfg,
		factory:    factory,
		inUse:      make(map[*Worker]struct{}),
		waiters:    list.New(),
		stopReaper: make(chan struct{}),
	}
}

// Start creates MinWorkers pages concurrently, reserving creation slots so
// acquires racing the warm-up cannot push the pool past MaxWorkers. Failed
// creations are logged and skipped; they do not abort init. The idle
// reaper starts regardless.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	warm := p.cfg.MinWorkers
	if room := p.cfg.MaxWorkers - p.size - p.creating; warm > room {
		warm = room
	}
	p.creating += warm
	p.mu.Unlock()

	var g errgroup.Group
	for i := 0; i < warm; i++ {
		g.Go(func() error {
			w, err := p.create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.mu.Unlock()
				p.cfg.Logger.Warn("pool: initial worker creation failed", "error", err)
				return nil
			}
			if p.closed {
				p.mu.Unlock()
				p.closePage(w)
				return nil
			}
			p.size++
			p.deliverLocked(w)
			p.mu.Unlock()
			return nil
		})
	}
	g.Wait()

	go p.reaperLoop()

	p.mu.Lock()
	n := p.size
	p.mu.Unlock()
	p.cfg.Logger.Info("pool: started", "workers", n, "min", p.cfg.MinWorkers, "max", p.cfg.MaxWorkers)
	return nil
}

// Acquire leases a worker. Waiters are served FIFO. When the pool is below
// MaxWorkers a creation slot is reserved and filled in the background, its
// result handed to the front waiter. A zero acquire timeout fails
// immediately when no worker is free.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Fast path: nobody ahead of us and a worker is free.
	if p.waiters.Len() == 0 && len(p.free) > 0 {
		w := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.leaseLocked(w)
		p.mu.Unlock()
		p.benchmark("acquire", start)
		return w, nil
	}

	canCreate := p.size+p.creating < p.cfg.MaxWorkers
	if canCreate {
		p.creating++
	}
	wt := &waiter{ch: make(chan *Worker, 1)}
	elem := p.waiters.PushBack(wt)
	p.mu.Unlock()

	if canCreate {
		go p.createAndDeliver()
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case w, ok := <-wt.ch:
		if !ok {
			return nil, ErrClosed
		}
		p.mu.Lock()
		p.leaseLocked(w)
		p.mu.Unlock()
		p.benchmark("acquire", start)
		return w, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out or cancelled: leave the FIFO. A handoff may have raced us;
	// removal happens under the lock, so checking the channel afterwards
	// is conclusive.
	p.mu.Lock()
	p.waiters.Remove(elem)
	createErr := p.lastCreateErr
	p.mu.Unlock()

	select {
	case w, ok := <-wt.ch:
		if ok {
			if ctx.Err() != nil {
				p.requeue(w)
				return nil, ctx.Err()
			}
			p.mu.Lock()
			p.leaseLocked(w)
			p.mu.Unlock()
			return w, nil
		}
	default:
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &AcquireTimeoutError{Timeout: p.cfg.AcquireTimeout, Cause: createErr}
}

// Release returns a lease. Workers past their work limit, unhealthy
// workers, and workers whose soft reset fails are destroyed; the rest go
// back to the free set, front waiter first.
func (p *Pool) Release(ctx context.Context, w *Worker) {
	p.mu.Lock()
	delete(p.inUse, w)
	destroy := p.closed || !w.page.Healthy() ||
		(p.cfg.WorkLimit > 0 && w.workCount >= p.cfg.WorkLimit)
	p.mu.Unlock()

	if destroy {
		p.destroy(w)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.DestroyTimeout)
	err := w.page.Reset(rctx)
	cancel()
	if err != nil {
		p.cfg.Logger.Warn("pool: soft reset failed, destroying worker", "worker", w.ID, "error", err)
		p.destroy(w)
		return
	}

	p.requeue(w)
}

func (p *Pool) requeue(w *Worker) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(w)
		return
	}
	w.lastUsedAt = time.Now()
	p.deliverLocked(w)
	p.mu.Unlock()
}

// InvalidateAll marks every live worker unhealthy. Free workers are
// destroyed now; in-use workers go through the destroy path on release.
// Called after a browser disconnect.
func (p *Pool) InvalidateAll() {
	p.mu.Lock()
	for w := range p.inUse {
		w.page.MarkUnhealthy()
	}
	victims := p.free
	p.free = nil
	for _, w := range victims {
		w.page.MarkUnhealthy()
	}
	p.mu.Unlock()

	for _, w := range victims {
		p.destroy(w)
	}
}

// Shutdown fails pending waiters and destroys the free set. In-use leases
// are destroyed as they are released.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopReaper)

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters.Init()

	victims := p.free
	p.free = nil
	p.mu.Unlock()

	for _, w := range victims {
		p.destroy(w)
	}
}

// Size returns the number of live workers (free + in use).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// InUse returns the number of leased workers.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Free returns the number of idle workers.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) leaseLocked(w *Worker) {
	w.workCount++
	w.lastUsedAt = time.Now()
	p.inUse[w] = struct{}{}
}

// deliverLocked hands a worker to the front waiter, else stacks it on the
// free list. Must hold p.mu.
func (p *Pool) deliverLocked(w *Worker) {
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		e.Value.(*waiter).ch <- w
		return
	}
	p.free = append(p.free, w)
}

// create makes one worker with a single factory call bounded by the create
// timeout.
func (p *Pool) create(ctx context.Context) (*Worker, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	id := p.cfg.NewID()
	page, err := p.factory(cctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Worker{ID: id, page: page, createdAt: now, lastUsedAt: now}, nil
}

// createAndDeliver fills a reserved creation slot, retrying transient
// failures every CreateRetryInterval up to CreateTimeout. The result is
// handed to the front waiter. Exhaustion is recorded; waiters surface it
// as the cause of their acquire timeout.
func (p *Pool) createAndDeliver() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()

	id := p.cfg.NewID()
	var page Page
	var err error
	for {
		page, err = p.factory(ctx, id)
		if err == nil {
			break
		}
		p.cfg.Logger.Warn("pool: worker create failed, retrying", "worker", id, "error", err)

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.creating--
			p.lastCreateErr = &CreateError{Cause: err}
			p.mu.Unlock()
			return
		case <-time.After(p.cfg.CreateRetryInterval):
		}
	}

	now := time.Now()
	w := &Worker{ID: id, page: page, createdAt: now, lastUsedAt: now}

	p.mu.Lock()
	p.creating--
	if p.closed {
		p.mu.Unlock()
		p.closePage(w)
		return
	}
	p.size++
	p.lastCreateErr = nil
	p.deliverLocked(w)
	p.mu.Unlock()

	p.benchmark("create", start)
}

// destroy closes a worker's page bounded by DestroyTimeout. A close that
// overruns is logged and the page abandoned; the browser cleans it up on
// restart. If waiters remain and capacity allows, a replacement creation
// is started so the FIFO keeps moving.
func (p *Pool) destroy(w *Worker) {
	p.closePage(w)

	p.mu.Lock()
	p.size--
	if !p.closed && p.waiters.Len() > 0 && p.size+p.creating < p.cfg.MaxWorkers {
		p.creating++
		go p.createAndDeliver()
	}
	p.mu.Unlock()
}

func (p *Pool) closePage(w *Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DestroyTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.page.Close(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			p.cfg.Logger.Warn("pool: worker close failed", "worker", w.ID, "error", err)
		}
	case <-ctx.Done():
		p.cfg.Logger.Warn("pool: worker destroy timed out, abandoning page", "worker", w.ID)
	}
}

func (p *Pool) reaperLoop() {
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap destroys free workers idle beyond IdleTimeout, keeping at least
// MinWorkers alive.
func (p *Pool) reap() {
	now := time.Now()
	var victims []*Worker

	p.mu.Lock()
	kept := p.free[:0]
	for _, w := range p.free {
		idle := now.Sub(w.lastUsedAt) > p.cfg.IdleTimeout
		if idle && p.size-len(victims) > p.cfg.MinWorkers {
			victims = append(victims, w)
			continue
		}
		kept = append(kept, w)
	}
	p.free = kept
	p.mu.Unlock()

	for _, w := range victims {
		p.cfg.Logger.Debug("pool: reaping idle worker", "worker", w.ID, "idle", now.Sub(w.lastUsedAt))
		p.destroy(w)
	}
}

func (p *Pool) benchmark(op string, start time.Time) {
	if p.cfg.Benchmarking {
		p.cfg.Logger.Debug("pool: timing", "op", op, "elapsed_ms", time.Since(start).Milliseconds())
	}
}
