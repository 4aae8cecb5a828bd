// ============================================================================
// fractiles Worker Pool - bounded tile scheduler
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Bound concurrent scalar-field computations to MaxWorkers while
//           exposing a non-blocking submit / cancel / shutdown contract
//
// Architecture:
//   ┌──────────────┐  ComputeTile()   ┌──────────────────────────────┐
//   │ Renderer     │ ───────────────> │ Pool                         │
//   │ Predictor    │ <─── *Future ─── │  idle []*Worker              │
//   └──────────────┘                  │  queue  (per-priority FIFO)  │
//                                     │  queued   map[id]*task       │
//                                     │  inFlight map[id]*task       │
//                                     └──────┬───────────────▲───────┘
//                                     reqCh  │               │ replyCh
//                                     ┌──────▼───────────────┴───────┐
//                                     │ Worker 0 .. Worker N-1       │
//                                     └──────────────────────────────┘
//
// Task lifecycle:
//   queued ──dispatch──> inFlight ──reply──> settled (resolved | failed)
//     │                     │
//     └─CancelTiles─> settled (ErrCancelled, immediately)
//                           └─CancelTiles─> flagged; reply discarded, ErrCancelled
//
// Invariants:
//   - A task id is in at most one of {queued, inFlight}
//   - A task leaves the queue before it is sent to a worker, so it is never
//     dispatched twice
//   - A worker is idle only while the queue holds no live task
//   - Dispatch picks the oldest live task of the lowest priority value
//
// Concurrency:
//   - mu guards every table and worker state
//   - collectLoop is the single goroutine applying worker replies
//   - Futures are settled under mu; settling only closes a channel
//
// Shutdown:
//   1. Mark closed, reject every queued and in-flight future with ErrPoolShutdown
//   2. Close each worker's request channel
//   3. Cancel the compute context and wait for workers to exit
//   4. Close the reply channel and wait for collectLoop
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/ChuLiYu/fractiles/internal/metrics"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

// Config configures a Pool
type Config struct {
	MaxWorkers    int // concurrent computations; <= 0 means runtime.NumCPU()
	MaxQueueDepth int // live queued tasks; 0 means unbounded
}

// Option customizes a Pool
type Option func(*Pool)

// WithMetrics reports pool activity to c
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = c }
}

// WithLogger sets the pool logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

type taskState int

const (
	stateQueued taskState = iota
	stateInFlight
	stateSettled
)

// task is an entry of the pending task table
type task struct {
	req       Request
	priority  types.Priority
	future    *Future
	state     taskState
	cancelled bool // set while in flight; the reply will be discarded
	submitted time.Time
}

// PoolStats is a point-in-time view of the pool
type PoolStats struct {
	Workers  int `json:"workers"`
	Busy     int `json:"busy"`
	Idle     int `json:"idle"`
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

// Pool manages a fixed set of long-lived workers
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	workers  []*Worker
	idle     []*Worker
	queue    *taskQueue
	queued   map[types.TaskID]*task
	inFlight map[types.TaskID]*task
	closed   bool

	replyCh     chan envelope
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	collectDone chan struct{}

	metrics *metrics.Collector
	log     *slog.Logger
}

// NewPool creates a pool and starts its workers
//
// Parameters:
//   - cfg: pool configuration
//   - compute: scalar-field function run by every worker
//
// Returns:
//   - *Pool: running pool; the caller owns its lifecycle and must call Shutdown
func NewPool(cfg Config, compute ComputeFunc, opts ...Option) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.MaxQueueDepth < 0 {
		cfg.MaxQueueDepth = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		queue:       newTaskQueue(),
		queued:      make(map[types.TaskID]*task),
		inFlight:    make(map[types.TaskID]*task),
		replyCh:     make(chan envelope, cfg.MaxWorkers),
		ctx:         ctx,
		cancel:      cancel,
		collectDone: make(chan struct{}),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "worker-pool")

	for i := 0; i < cfg.MaxWorkers; i++ {
		w := newWorker(i, p.replyCh, compute, p.log)
		p.workers = append(p.workers, w)
		p.idle = append(p.idle, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	go p.collectLoop()

	p.log.Info("Worker pool started", "workers", cfg.MaxWorkers, "max_queue_depth", cfg.MaxQueueDepth)
	return p
}

// ComputeTile submits a task and returns its future without blocking.
//
// The task is dispatched at once if a worker is idle, otherwise it is queued
// behind older tasks of the same priority. The pool does not merge duplicates:
// an id that is already queued or in flight fails with ErrDuplicateTask.
func (p *Pool) ComputeTile(req Request, priority types.Priority) *Future {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return failedFuture(req.ID, ErrPoolShutdown)
	}
	if _, ok := p.queued[req.ID]; ok {
		return failedFuture(req.ID, ErrDuplicateTask)
	}
	if t, ok := p.inFlight[req.ID]; ok {
		if !t.cancelled {
			return failedFuture(req.ID, ErrDuplicateTask)
		}
		// The cancelled computation keeps its worker until the reply lands,
		// but the id is free for reuse.
		delete(p.inFlight, req.ID)
	}

	t := &task{
		req:       req,
		priority:  priority,
		future:    newFuture(req.ID),
		submitted: time.Now(),
	}

	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.dispatchLocked(w, t)
	} else {
		if p.cfg.MaxQueueDepth > 0 && len(p.queued) >= p.cfg.MaxQueueDepth {
			return failedFuture(req.ID, ErrQueueFull)
		}
		t.state = stateQueued
		p.queued[req.ID] = t
		p.queue.push(t)
	}

	p.metrics.RecordSubmit()
	p.updateGaugesLocked()
	return t.future
}

// CancelTiles cancels tasks by id.
//
// Queued tasks leave the queue and reject with ErrCancelled immediately.
// In-flight tasks are flagged; their worker finishes, the reply is dropped and
// the future rejects with ErrCancelled. Unknown or settled ids are ignored.
func (p *Pool) CancelTiles(ids ...types.TaskID) {
	if len(ids) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if t, ok := p.queued[id]; ok {
			delete(p.queued, id)
			t.state = stateSettled
			t.future.reject(ErrCancelled)
			p.metrics.RecordCancelled()
			continue
		}
		if t, ok := p.inFlight[id]; ok {
			t.cancelled = true
		}
	}

	p.updateGaugesLocked()
}

// Shutdown stops every worker and rejects all pending futures with
// ErrPoolShutdown. It blocks until the workers have exited. Safe to call twice.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	rejected := 0
	for id, t := range p.queued {
		t.state = stateSettled
		t.future.reject(ErrPoolShutdown)
		delete(p.queued, id)
		rejected++
	}
	p.queue = newTaskQueue()

	// Walk the workers rather than inFlight so cancelled tasks whose id was
	// reused are rejected too.
	for _, w := range p.workers {
		if w.task != nil && w.task.state != stateSettled {
			w.task.state = stateSettled
			w.task.future.reject(ErrPoolShutdown)
			rejected++
		}
		close(w.reqCh)
	}
	clear(p.inFlight)
	p.idle = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.log.Info("Shutting down worker pool", "rejected", rejected)

	p.cancel()
	p.wg.Wait()
	close(p.replyCh)
	<-p.collectDone

	p.log.Info("Worker pool stopped")
}

// Stats returns a snapshot of worker and queue occupancy
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, w := range p.workers {
		if w.state == StateBusy {
			busy++
		}
	}
	return PoolStats{
		Workers:  len(p.workers),
		Busy:     busy,
		Idle:     len(p.workers) - busy,
		Queued:   len(p.queued),
		InFlight: len(p.inFlight),
	}
}

// MaxWorkers returns the concurrency bound
func (p *Pool) MaxWorkers() int {
	return p.cfg.MaxWorkers
}

// IsClosed reports whether Shutdown has been called
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// dispatchLocked hands t to the idle worker w
func (p *Pool) dispatchLocked(w *Worker, t *task) {
	t.state = stateInFlight
	p.inFlight[t.req.ID] = t
	w.state = StateBusy
	w.task = t
	w.reqCh <- t.req
	p.metrics.RecordDispatch()
}

// collectLoop applies worker replies until the reply channel closes
func (p *Pool) collectLoop() {
	defer close(p.collectDone)
	for env := range p.replyCh {
		p.handleReply(env)
	}
}

// handleReply settles the task a reply belongs to and frees the worker
func (p *Pool) handleReply(env envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.workers[env.workerID]
	t := w.task
	w.task = nil
	w.state = StateIdle

	switch {
	case t == nil || t.req.ID != env.reply.TaskID():
		p.log.Debug("Dropping reply for unknown task", "task", env.reply.TaskID(), "worker", env.workerID)
		p.metrics.RecordDiscarded()

	case t.state == stateSettled:
		// rejected by Shutdown while computing
		p.metrics.RecordDiscarded()

	case t.cancelled:
		if p.inFlight[t.req.ID] == t {
			delete(p.inFlight, t.req.ID)
		}
		t.state = stateSettled
		t.future.reject(ErrCancelled)
		p.log.Debug("Discarding reply for cancelled task", "task", t.req.ID)
		p.metrics.RecordDiscarded()
		p.metrics.RecordCancelled()

	default:
		delete(p.inFlight, t.req.ID)
		t.state = stateSettled
		p.settleLocked(t, env.reply)
	}

	if p.closed {
		p.updateGaugesLocked()
		return
	}

	if next := p.queue.pop(); next != nil {
		delete(p.queued, next.req.ID)
		p.dispatchLocked(w, next)
	} else {
		p.idle = append(p.idle, w)
	}
	p.updateGaugesLocked()
}

func (p *Pool) settleLocked(t *task, reply Reply) {
	switch r := reply.(type) {
	case Response:
		t.future.resolve(&Result{ID: r.ID, Field: r.Field, Meta: r.Meta})
		p.metrics.RecordCompleted(time.Since(t.submitted).Seconds())
	case Failure:
		t.future.reject(&TaskError{ID: r.ID, Err: r.Err})
		p.metrics.RecordFailed()
		p.log.Debug("Task failed", "task", r.ID, "error", r.Err)
	}
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	busy := len(p.workers) - len(p.idle)
	if p.closed {
		busy = 0
	}
	p.metrics.UpdatePoolStats(len(p.queued), busy)
}
