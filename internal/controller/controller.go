// ============================================================================
// fractiles Controller - interactive session coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Own the worker pool and wire the renderer and the predictor onto it
//
// Components:
//   - Pool: bounded long-lived workers, shared by everything below
//   - Renderer: foreground tiles, one generation per navigation
//   - Predictor: background whole-view tasks extrapolated from velocity,
//     doubling as the renderer's field cache
//   - Snapshot: optional periodic save of the latest complete frame
//
// Loops (2 goroutines):
//   1. Decay Loop - Tick the predictor so velocity fades while idle
//   2. Snapshot Loop - Persist the latest complete frame when it changed
//
// Navigation flow:
//   Navigate(view) -> predictor.UpdateVelocity -> renderer.Render (supersedes)
//                  -> predictor.Prefetch (background, same pool)
//
// Ownership:
//   The controller built the pool, so it is the only component that shuts it
//   down. Stop order: loops, renderer, predictor, pool, final snapshot.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fractiles/internal/metrics"
	"github.com/ChuLiYu/fractiles/internal/predictor"
	"github.com/ChuLiYu/fractiles/internal/renderer"
	"github.com/ChuLiYu/fractiles/internal/snapshot"
	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

var log = slog.Default()

// ErrStopped is returned by Navigate after Stop
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// Types
// ============================================================================

// Config wires the session components
type Config struct {
	Pool             worker.Config    // worker count and queue bound
	TileSize         int              // renderer tile edge, 0 = default
	Predictor        predictor.Config // prefetch tuning
	TickInterval     time.Duration    // velocity decay period, 0 = 100ms
	SnapshotPath     string           // optional, extension selects the format
	SnapshotInterval time.Duration    // 0 = only on Stop
}

// Option customizes a Controller
type Option func(*options)

type options struct {
	metrics *metrics.Collector
	clock   func() time.Time
	color   renderer.ColorFunc
}

// WithMetrics reports pool, frame and prediction metrics to c
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithClock replaces time.Now for velocity tracking
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithColorFunc replaces the palette
func WithColorFunc(fn renderer.ColorFunc) Option {
	return func(o *options) { o.color = fn }
}

// view is the most recent navigation target
type view struct {
	width, height int
	params        types.Params
	fractal       types.Fractal
}

// Controller coordinates one interactive session
type Controller struct {
	mu        sync.Mutex
	pool      *worker.Pool
	renderer  *renderer.Renderer
	predictor *predictor.Predictor
	snapshot  *snapshot.Manager
	config    Config

	current    view
	navigated  int
	frames     int
	lastStats  renderer.Stats
	lastFrame  *renderer.Frame // latest complete, non-superseded frame
	lastView   view            // view of lastFrame
	savedGen   uint64          // generation of the last persisted frame
	predHits   int
	stopped    bool
	startTime  time.Time
	stopCh     chan struct{}
	loopWg     sync.WaitGroup
	trackingWg sync.WaitGroup
}

// ============================================================================
// Lifecycle
// ============================================================================

// New builds the pool, renderer and predictor and starts the loops
func New(config Config, compute worker.ComputeFunc, opts ...Option) (*Controller, error) {
	if compute == nil {
		return nil, fmt.Errorf("compute function is required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}

	var snap *snapshot.Manager
	if config.SnapshotPath != "" {
		var err error
		if snap, err = snapshot.NewManager(config.SnapshotPath); err != nil {
			return nil, fmt.Errorf("failed to create snapshot manager: %w", err)
		}
	}

	pool := worker.NewPool(config.Pool, compute, worker.WithMetrics(o.metrics), worker.WithLogger(log))

	predOpts := []predictor.Option{predictor.WithMetrics(o.metrics), predictor.WithLogger(log)}
	if o.clock != nil {
		predOpts = append(predOpts, predictor.WithClock(o.clock))
	}
	pred := predictor.New(config.Predictor, pool, predOpts...)

	rendOpts := []renderer.Option{
		renderer.WithName("session"),
		renderer.WithFieldCache(pred),
		renderer.WithMetrics(o.metrics),
		renderer.WithLogger(log),
	}
	if config.TileSize > 0 {
		rendOpts = append(rendOpts, renderer.WithTileSize(config.TileSize))
	}
	if o.color != nil {
		rendOpts = append(rendOpts, renderer.WithColorFunc(o.color))
	}

	c := &Controller{
		pool:      pool,
		renderer:  renderer.New(pool, rendOpts...),
		predictor: pred,
		snapshot:  snap,
		config:    config,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}

	c.loopWg.Add(1)
	go c.decayLoop()
	if snap != nil && config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	log.Info("Controller started",
		"workers", pool.MaxWorkers(),
		"tile_size", c.renderer.TileSize(),
		"prediction", pred.Stats().Enabled)
	return c, nil
}

// Navigate renders a new view, superseding the previous render, and
// schedules predictions ahead of it
func (c *Controller) Navigate(width, height int, params types.Params, fractal types.Fractal) (*renderer.FrameFuture, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if _, err := types.ParseFractal(string(fractal)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.navigated++
	v := view{width: width, height: height, params: params, fractal: fractal}
	c.current = v
	c.trackingWg.Add(1)
	c.mu.Unlock()

	c.predictor.UpdateVelocity(params)
	ff := c.renderer.Render(width, height, params, fractal)
	scheduled := c.predictor.Prefetch(width, height, params, fractal)

	log.Debug("Navigated",
		"generation", ff.Generation(),
		"view", types.ViewKey(fractal, params),
		"predictions", scheduled)

	go c.track(ff, v)
	return ff, nil
}

// track records the outcome of a frame once it settles
func (c *Controller) track(ff *renderer.FrameFuture, v view) {
	defer c.trackingWg.Done()
	frame, _ := ff.Wait(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames++
	if frame.Stats.CacheHit {
		c.predHits++
	}
	if frame.Stats.Generation >= c.lastStats.Generation {
		c.lastStats = frame.Stats
	}
	if !frame.Stats.Superseded && frame.Stats.Failed == 0 &&
		(c.lastFrame == nil || frame.Stats.Generation > c.lastFrame.Stats.Generation) {
		c.lastFrame = frame
		c.lastView = v
	}
}

// LastFrame returns the latest complete frame, or nil
func (c *Controller) LastFrame() *renderer.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrame
}

// Predictor exposes the session predictor
func (c *Controller) Predictor() *predictor.Predictor {
	return c.predictor
}

// Pool exposes the session pool
func (c *Controller) Pool() *worker.Pool {
	return c.pool
}

// ============================================================================
// Loops
// ============================================================================

// decayLoop fades the velocity between navigations
func (c *Controller) decayLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.predictor.Tick()
		}
	}
}

// snapshotLoop persists the latest complete frame
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot writes the latest complete frame if it has not been saved yet
func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}

	c.mu.Lock()
	frame, v := c.lastFrame, c.lastView
	if frame == nil || frame.Stats.Generation == c.savedGen {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	start := time.Now()
	meta := &snapshot.Metadata{
		Fractal:    v.fractal,
		Params:     v.params,
		ViewKey:    types.ViewKey(v.fractal, v.params),
		Width:      frame.Buffer.Width,
		Height:     frame.Buffer.Height,
		Generation: frame.Stats.Generation,
	}
	if err := c.snapshot.Write(frame.Buffer.Image(), meta); err != nil {
		return err
	}

	c.mu.Lock()
	c.savedGen = frame.Stats.Generation
	c.mu.Unlock()

	log.Info("Snapshot created",
		"path", c.snapshot.Path(),
		"generation", frame.Stats.Generation,
		"duration", time.Since(start))
	return nil
}

// ============================================================================
// Status
// ============================================================================

// Stats returns a snapshot of session state
func (c *Controller) Stats() map[string]interface{} {
	pool := c.pool.Stats()
	pred := c.predictor.Stats()

	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]interface{}{
		"uptime":          time.Since(c.startTime).String(),
		"workers":         pool.Workers,
		"busy":            pool.Busy,
		"queued":          pool.Queued,
		"in_flight":       pool.InFlight,
		"generation":      c.renderer.Generation(),
		"view":            types.ViewKey(c.current.fractal, c.current.params),
		"navigations":     c.navigated,
		"frames":          c.frames,
		"prediction_hits": c.predHits,
		"last_frame":      c.lastStats,
		"predictions":     pred,
	}
}

// ============================================================================
// Shutdown
// ============================================================================
//
// Stop order:
//  1. close(stopCh)    -> decay and snapshot loops exit
//  2. renderer.Cleanup -> outstanding tiles cancelled, late results ignored
//  3. predictor.Clear  -> background tasks cancelled
//  4. pool.Shutdown    -> remaining futures reject, workers exit
//  5. wait for frame trackers, then a final snapshot
//
// Every FrameFuture handed out settles during step 4 at the latest.
//
// ============================================================================

// Stop shuts the session down. Safe to call twice.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()

	c.renderer.Cleanup()
	c.predictor.Clear()
	c.pool.Shutdown()
	c.trackingWg.Wait()

	if err := c.takeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}

	log.Info("Controller stopped")
}
