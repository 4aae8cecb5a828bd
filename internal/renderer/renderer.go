// ============================================================================
// fractiles Renderer - tile partition and reassembly
// ============================================================================
//
// Package: internal/renderer
// File: renderer.go
// Purpose: Turn a canvas size plus view parameters into an assembled RGBA frame
//          by computing tiles in parallel on a shared worker pool
//
// Render flow (generation G):
//   1. Bump the generation counter; cancel the outstanding tiles of G-1
//   2. Partition the canvas into a tile grid (edge tiles clipped)
//   3. Allocate a frame buffer owned by G
//   4. Submit one foreground task per tile; id = <name>/g<G>/<col>,<row>
//   5. As each tile settles:
//        success + G still current  -> colorize into the tile rectangle
//        success + G superseded     -> discard
//        cancelled                  -> nothing
//        other error                -> log, nothing (partial frames are fine)
//   6. When every tile of G has settled, deliver the buffer
//
// Supersession:
//   Render may be called again at any time. The older FrameFuture still
//   settles, with whatever tiles landed before it was superseded.
//
// Ownership:
//   The renderer never shuts the pool down; it may be shared with other
//   renderers and with the predictor.
//
// ============================================================================

package renderer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fractiles/internal/metrics"
	"github.com/ChuLiYu/fractiles/internal/palette"
	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

// TileComputer is the part of the worker pool the renderer needs
type TileComputer interface {
	ComputeTile(req worker.Request, priority types.Priority) *worker.Future
	CancelTiles(ids ...types.TaskID)
}

// FieldCache serves precomputed whole-view fields
type FieldCache interface {
	Lookup(key string, width, height int) (types.ScalarField, bool)
}

// Option customizes a Renderer
type Option func(*Renderer)

// WithTileSize sets the tile edge in pixels
func WithTileSize(n int) Option {
	return func(r *Renderer) {
		if n > 0 {
			r.tileSize = n
		}
	}
}

// WithColorFunc replaces the palette
func WithColorFunc(fn ColorFunc) Option {
	return func(r *Renderer) { r.color = fn }
}

// WithFieldCache lets Render reuse completed predictions
func WithFieldCache(c FieldCache) Option {
	return func(r *Renderer) { r.cache = c }
}

// WithName sets the tile id prefix; renderers sharing a pool need distinct names
func WithName(name string) Option {
	return func(r *Renderer) { r.name = name }
}

// WithMetrics reports frames to c
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Renderer) { r.metrics = c }
}

// WithLogger sets the renderer logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.log = l }
}

var rendererSeq atomic.Uint64

// Renderer renders frames one generation at a time
type Renderer struct {
	pool     TileComputer
	tileSize int
	color    ColorFunc
	cache    FieldCache
	name     string
	metrics  *metrics.Collector
	log      *slog.Logger

	generation atomic.Uint64

	mu     sync.Mutex
	active map[types.TaskID]struct{} // outstanding tiles of the current generation
}

// New creates a renderer on top of pool
func New(pool TileComputer, opts ...Option) *Renderer {
	r := &Renderer{
		pool:     pool,
		tileSize: DefaultTileSize,
		color:    palette.Color,
		name:     fmt.Sprintf("render-%d", rendererSeq.Add(1)),
		log:      slog.Default(),
		active:   make(map[types.TaskID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "renderer", "name", r.name)
	return r
}

// Stats summarizes how a generation's tiles settled
type Stats struct {
	Generation uint64        `json:"generation"`
	Tiles      int           `json:"tiles"`
	Completed  int           `json:"completed"`
	Cancelled  int           `json:"cancelled"`
	Failed     int           `json:"failed"`
	Discarded  int           `json:"discarded"`
	CacheHit   bool          `json:"cache_hit"`
	Superseded bool          `json:"superseded"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Frame is a delivered render
type Frame struct {
	Buffer *FrameBuffer
	Stats  Stats
}

// FrameFuture settles once every tile of its generation has settled
type FrameFuture struct {
	generation uint64
	done       chan struct{}
	frame      *Frame
}

func newFrameFuture(gen uint64) *FrameFuture {
	return &FrameFuture{generation: gen, done: make(chan struct{})}
}

// Generation returns the render generation this future belongs to
func (f *FrameFuture) Generation() uint64 { return f.generation }

// Done is closed when the frame is delivered
func (f *FrameFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the frame is delivered or ctx is done
func (f *FrameFuture) Wait(ctx context.Context) (*Frame, error) {
	select {
	case <-f.done:
		return f.frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FrameFuture) settle(frame *Frame) {
	f.frame = frame
	close(f.done)
}

// Generation returns the current render generation
func (r *Renderer) Generation() uint64 {
	return r.generation.Load()
}

// TileSize returns the tile edge in pixels
func (r *Renderer) TileSize() int {
	return r.tileSize
}

// Render starts generation G+1 and supersedes any render still in flight.
// Non-positive sizes yield an empty frame immediately.
func (r *Renderer) Render(width, height int, params types.Params, fractal types.Fractal) *FrameFuture {
	start := time.Now()
	width, height = max(width, 0), max(height, 0)

	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.generation.Add(1)
	r.cancelActiveLocked()

	ff := newFrameFuture(gen)
	fb := NewFrameBuffer(width, height)
	stats := Stats{Generation: gen}

	if r.cache != nil && width > 0 && height > 0 {
		if field, ok := r.cache.Lookup(types.ViewKey(fractal, params), width, height); ok {
			fb.paintTile(Tile{Width: width, Height: height}, field, params.ColorScheme, r.color)
			stats.CacheHit = true
			stats.Elapsed = time.Since(start)
			r.metrics.RecordPredictionHit()
			r.metrics.RecordFrame("cached", stats.Elapsed.Seconds())
			r.log.Debug("Frame served from prediction cache", "generation", gen)
			ff.settle(&Frame{Buffer: fb, Stats: stats})
			return ff
		}
	}

	tiles := Grid(width, height, r.tileSize)
	stats.Tiles = len(tiles)
	if len(tiles) == 0 {
		ff.settle(&Frame{Buffer: fb, Stats: stats})
		return ff
	}

	futures := make([]*worker.Future, len(tiles))
	for i, t := range tiles {
		req := worker.Request{
			ID:           r.tileID(gen, t),
			X:            t.X,
			Y:            t.Y,
			Width:        t.Width,
			Height:       t.Height,
			CanvasWidth:  width,
			CanvasHeight: height,
			Params:       params,
			Fractal:      fractal,
		}
		r.active[req.ID] = struct{}{}
		futures[i] = r.pool.ComputeTile(req, types.PriorityForeground)
	}

	r.log.Debug("Render started", "generation", gen, "width", width, "height", height, "tiles", len(tiles))
	go r.assemble(ff, fb, stats, tiles, futures, params.ColorScheme, start)
	return ff
}

// assemble waits for every tile of a generation and delivers the frame
func (r *Renderer) assemble(ff *FrameFuture, fb *FrameBuffer, stats Stats, tiles []Tile, futures []*worker.Future, scheme string, start time.Time) {
	gen := stats.Generation
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for i := range tiles {
		wg.Add(1)
		go func(t Tile, fut *worker.Future) {
			defer wg.Done()
			res, err := fut.Wait(context.Background())
			r.forget(fut.ID())

			painted, outcome := false, ""
			switch {
			case worker.IsCancelled(err):
				outcome = "cancelled"
			case err != nil:
				outcome = "failed"
				if worker.IsShutdown(err) {
					r.log.Debug("Tile dropped by pool shutdown", "tile", fut.ID())
				} else {
					r.log.Warn("Tile failed", "tile", fut.ID(), "error", err)
				}
			case r.generation.Load() != gen:
				outcome = "discarded"
			default:
				fb.paintTile(t, res.Field, scheme, r.color)
				painted = true
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case painted:
				stats.Completed++
			case outcome == "cancelled":
				stats.Cancelled++
			case outcome == "failed":
				stats.Failed++
			default:
				stats.Discarded++
			}
		}(tiles[i], futures[i])
	}
	wg.Wait()

	stats.Superseded = r.generation.Load() != gen
	stats.Elapsed = time.Since(start)

	outcome := "complete"
	if stats.Superseded {
		outcome = "superseded"
	}
	r.metrics.RecordFrame(outcome, stats.Elapsed.Seconds())
	r.log.Debug("Frame delivered",
		"generation", gen,
		"outcome", outcome,
		"completed", stats.Completed,
		"cancelled", stats.Cancelled,
		"failed", stats.Failed,
		"elapsed", stats.Elapsed)

	ff.settle(&Frame{Buffer: fb, Stats: stats})
}

// CancelAllTiles cancels every outstanding tile of the current generation.
// Idempotent.
func (r *Renderer) CancelAllTiles() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelActiveLocked()
}

// Cleanup cancels outstanding tiles and retires the current generation so
// late results are not drawn. The shared pool is left running.
func (r *Renderer) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation.Add(1)
	r.cancelActiveLocked()
}

// ActiveTiles returns the number of outstanding tiles
func (r *Renderer) ActiveTiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Renderer) cancelActiveLocked() {
	if len(r.active) == 0 {
		return
	}
	ids := make([]types.TaskID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	clear(r.active)
	r.pool.CancelTiles(ids...)
}

func (r *Renderer) forget(id types.TaskID) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *Renderer) tileID(gen uint64, t Tile) types.TaskID {
	return types.TaskID(fmt.Sprintf("%s/g%d/%d,%d", r.name, gen, t.Col, t.Row))
}
