package interpreter

import (
	"context"
	"sync"
	"time"

	"rlmkernel/internal/config"
	"rlmkernel/internal/errs"
	"rlmkernel/internal/logging"
)

// Pool manages a bounded set of worker handles, spawning on demand up to
// max_pool_size, recycling a handle after it reaches
// max_executions_per_handle, and evicting handles idle past
// idle_timeout_sec. Modeled on the teacher's container pool
// (internal/tactile/persistent_docker.go): a FIFO waiter queue blocks
// Acquire calls past capacity instead of rejecting them outright.
type Pool struct {
	cfg config.InterpreterConfig

	mu      sync.Mutex
	live    map[string]*Handle
	idle    []*Handle
	waiters []chan *Handle
	lastUse map[string]time.Time
	closed  bool

	evictStop chan struct{}
	evictDone chan struct{}
}

// NewPool builds a pool bound to the given interpreter config. The pool
// spawns lazily: no handles exist until the first Acquire.
func NewPool(cfg config.InterpreterConfig) *Pool {
	p := &Pool{
		cfg:       cfg,
		live:      make(map[string]*Handle),
		lastUse:   make(map[string]time.Time),
		evictStop: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	go p.evictLoop()
	return p
}

func (p *Pool) evictLoop() {
	defer close(p.evictDone)
	interval := time.Duration(p.cfg.IdleTimeoutSec) * time.Second / 4
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.evictStop:
			return
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Duration(p.cfg.IdleTimeoutSec) * time.Second
	if cutoff <= 0 {
		return
	}
	p.mu.Lock()
	var keep []*Handle
	var toShutdown []*Handle
	now := time.Now()
	for _, h := range p.idle {
		if now.Sub(p.lastUse[h.ID()]) > cutoff {
			toShutdown = append(toShutdown, h)
			delete(p.live, h.ID())
			delete(p.lastUse, h.ID())
		} else {
			keep = append(keep, h)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, h := range toShutdown {
		logging.Get(logging.CategoryInterpreter).Info("pool evicting idle handle %s", h.ID())
		_ = h.Shutdown(context.Background(), 5*time.Second)
	}
}

// Acquire returns a ready handle: an idle one if available, a freshly
// spawned one if the pool has capacity, or the next available handle once
// one is released, whichever comes first or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(errs.ConfigError, "interpreter.Pool.Acquire", "pool is closed")
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return h, nil
	}

	if len(p.live) < p.cfg.MaxPoolSize {
		p.mu.Unlock()
		return p.spawn(ctx)
	}

	ch := make(chan *Handle, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case h := <-ch:
		if h == nil {
			return nil, errs.New(errs.ConfigError, "interpreter.Pool.Acquire", "pool closed while waiting")
		}
		return h, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "interpreter.Pool.Acquire", ctx.Err())
	}
}

func (p *Pool) spawn(ctx context.Context) (*Handle, error) {
	h := NewHandle(p.cfg.WorkerPath)
	if err := h.Spawn(ctx, 10*time.Second); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.live[h.ID()] = h
	p.mu.Unlock()
	return h, nil
}

// Release returns a handle to the pool: to a waiter if one is queued,
// otherwise to the idle set, unless the handle failed or exhausted its
// execution budget, in which case it is shut down and replaced on next
// demand rather than recycled.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.Shutdown(context.Background(), 5*time.Second)
		return
	}

	retire := h.State() == StateFailed || h.Executions() >= int64(p.cfg.MaxExecutionsPerHandle)

	if !retire && len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- h
		return
	}

	if retire {
		delete(p.live, h.ID())
		delete(p.lastUse, h.ID())
		p.mu.Unlock()
		logging.Get(logging.CategoryInterpreter).Info("pool retiring handle %s (failed=%v executions=%d)", h.ID(), h.State() == StateFailed, h.Executions())
		_ = h.Shutdown(context.Background(), 5*time.Second)
		return
	}

	p.lastUse[h.ID()] = time.Now()
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// WithHandle acquires a handle, runs fn, and releases it, resetting the
// handle's globals and registered signature before returning it to the
// pool's idle set so the next borrower starts from a clean slate.
func (p *Pool) WithHandle(ctx context.Context, fn func(*Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	fnErr := fn(h)

	if fnErr == nil && h.State() == StateReady {
		if resetErr := h.Reset(ctx); resetErr != nil {
			logging.Get(logging.CategoryInterpreter).Warn("pool reset failed for handle %s: %v", h.ID(), resetErr)
		}
	}
	p.Release(h)
	return fnErr
}

// Size reports the number of live handles (idle + checked out).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Close shuts down every live handle and rejects further Acquire calls.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.live))
	for _, h := range p.live {
		handles = append(handles, h)
	}
	waiters := p.waiters
	p.waiters = nil
	p.idle = nil
	p.live = make(map[string]*Handle)
	p.mu.Unlock()

	close(p.evictStop)
	<-p.evictDone

	for _, ch := range waiters {
		close(ch)
	}
	for _, h := range handles {
		_ = h.Shutdown(ctx, 5*time.Second)
	}
}
