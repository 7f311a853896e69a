package ingress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	queueCapacity   = 4096
	softBound       = 1000
	idleTimeout     = 10 * time.Minute
	sweepInterval   = 5 * time.Minute
	maxReapPerSweep = 10
	drainBudget     = 10 * time.Second
)

// Pool runs one serial worker goroutine per key, so messages from the same
// contact are handled strictly in arrival order while different contacts
// proceed concurrently. Idle workers are reaped periodically.
type Pool struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup

	stopSweep chan struct{}
}

type worker struct {
	tasks chan func(context.Context)
	// lastActive is unix nanos, updated without the pool lock.
	lastActive atomic.Int64
}

func (w *worker) touch() { w.lastActive.Store(time.Now().UnixNano()) }

func (w *worker) idleFor() time.Duration {
	return time.Since(time.Unix(0, w.lastActive.Load()))
}

// NewPool starts the idle sweeper.
func NewPool(log *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:       log.With("component", "worker-pool"),
		ctx:       ctx,
		cancel:    cancel,
		workers:   map[string]*worker{},
		stopSweep: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Dispatch enqueues fn on the worker owning key, creating it on first use.
// Queues are deep; crossing the soft bound only logs a warning, the
// upstream gateway is trusted to rate-limit.
func (p *Pool) Dispatch(key string, fn func(context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.Warn("dispatch after close dropped", "key", key)
		return
	}
	w, ok := p.workers[key]
	if !ok {
		w = &worker{tasks: make(chan func(context.Context), queueCapacity)}
		w.touch()
		p.workers[key] = w
		p.wg.Add(1)
		go p.run(w)
	}
	w.touch()
	if n := len(w.tasks); n >= softBound {
		p.log.Warn("per-contact queue beyond soft bound", "key", key, "depth", n)
	}
	// sending under the lock keeps close() from racing an enqueue; the
	// queue is deep enough that blocking here means pathological overload
	w.tasks <- fn
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	for fn := range w.tasks {
		fn(p.ctx)
		w.touch()
	}
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle closes up to maxReapPerSweep workers idle for idleTimeout with
// empty queues.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	reaped := 0
	for key, w := range p.workers {
		if reaped >= maxReapPerSweep {
			break
		}
		if len(w.tasks) == 0 && w.idleFor() >= idleTimeout {
			delete(p.workers, key)
			close(w.tasks)
			reaped++
		}
	}
	if reaped > 0 {
		p.log.Debug("reaped idle workers", "count", reaped, "remaining", len(p.workers))
	}
}

// WorkerCount reports the live worker count.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close drains all queues within the shutdown budget, then cancels whatever
// is still running.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopSweep)
	for key, w := range p.workers {
		delete(p.workers, key)
		close(w.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainBudget):
		p.log.Warn("drain budget exceeded, cancelling remaining work")
	}
	p.cancel()
}
