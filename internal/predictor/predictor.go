// ============================================================================
// fractiles Predictor - velocity based speculative prefetch
// ============================================================================
//
// Package: internal/predictor
// File: predictor.go
// Purpose: Watch the stream of view changes, extrapolate where navigation is
//          heading and compute those views ahead of time at background priority
//
// Prediction lifecycle:
//   pending ──MarkCompleted──> completed (cached, served through Lookup)
//      │
//      └──Discard / Clear / SetEnabled(false)──> gone (pool task cancelled)
//
// Dedup:
//   A view key that is pending or completed is never predicted again.
//
// Sharing:
//   The predictor submits to a pool it does not own. It cancels its own tasks
//   but never shuts the pool down.
//
// ============================================================================

package predictor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/ChuLiYu/fractiles/internal/metrics"
	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

// TaskPrefix prefixes the pool task id of every prediction
const TaskPrefix = "predict/"

// Config tunes prediction
type Config struct {
	Enabled            bool    `yaml:"enabled"`
	DecayFactor        float64 `yaml:"decay_factor"`        // smoothing and per-tick decay, in (0,1)
	MinVelocity        float64 `yaml:"min_velocity"`        // below this no prediction is made
	MaxPredictions     int     `yaml:"max_predictions"`     // candidates per call
	PredictionDistance float64 `yaml:"prediction_distance"` // seconds between extrapolation steps
	MaxCached          int     `yaml:"max_cached"`          // completed fields kept for reuse
}

// DefaultConfig returns the stock tuning
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		DecayFactor:        0.85,
		MinVelocity:        0.01,
		MaxPredictions:     3,
		PredictionDistance: 0.5,
		MaxCached:          32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = d.DecayFactor
	}
	if c.MinVelocity <= 0 {
		c.MinVelocity = d.MinVelocity
	}
	if c.MaxPredictions <= 0 {
		c.MaxPredictions = d.MaxPredictions
	}
	if c.PredictionDistance <= 0 {
		c.PredictionDistance = d.PredictionDistance
	}
	if c.MaxCached <= 0 {
		c.MaxCached = d.MaxCached
	}
	return c
}

// TaskComputer is the part of the worker pool the predictor needs
type TaskComputer interface {
	ComputeTile(req worker.Request, priority types.Priority) *worker.Future
	CancelTiles(ids ...types.TaskID)
}

// Prediction is one extrapolated view
type Prediction struct {
	Key      string         `json:"key"`
	Params   types.Params   `json:"params"`
	Fractal  types.Fractal  `json:"fractal"`
	Priority types.Priority `json:"priority"`
	Distance float64        `json:"distance"` // seconds ahead of the current view
}

// Stats is a read-only snapshot of predictor state
type Stats struct {
	Enabled   bool     `json:"enabled"`
	Pending   int      `json:"pending"`
	Completed int      `json:"completed"`
	Velocity  Velocity `json:"velocity"`
}

// Option customizes a Predictor
type Option func(*Predictor)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Predictor) { p.now = now }
}

// WithLogger sets the predictor logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Predictor) { p.log = l }
}

// WithMetrics reports scheduled predictions to c
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Predictor) { p.metrics = c }
}

type pending struct {
	pred   Prediction
	task   types.TaskID
	future *worker.Future // nil until submitted to the pool
}

// Predictor tracks navigation velocity and owns the prediction sets
type Predictor struct {
	cfg     Config
	pool    TaskComputer
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	enabled   bool
	velocity  Velocity
	last      types.Params
	lastAt    time.Time
	observed  bool
	pending   map[string]*pending
	completed map[string]types.ScalarField
	order     *queue.Queue // completed keys, oldest first
}

// New creates a predictor. pool may be nil, in which case Prefetch is a no-op
// and predictions are only tracked.
func New(cfg Config, pool TaskComputer, opts ...Option) *Predictor {
	cfg = cfg.withDefaults()
	p := &Predictor{
		cfg:       cfg,
		pool:      pool,
		now:       time.Now,
		log:       slog.Default(),
		enabled:   cfg.Enabled,
		pending:   make(map[string]*pending),
		completed: make(map[string]types.ScalarField),
		order:     queue.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "predictor")
	return p
}

// Config returns the effective configuration
func (p *Predictor) Config() Config {
	return p.cfg
}

// UpdateVelocity folds a new observation into the running velocity.
// The first observation only records the snapshot. An observation whose
// direction opposes the running velocity clears every prediction.
func (p *Predictor) UpdateVelocity(params types.Params) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.observed {
		p.last, p.lastAt, p.observed = params, now, true
		return
	}

	dt := now.Sub(p.lastAt).Seconds()
	if dt <= 0 {
		p.last = params
		return
	}

	inst := between(p.last, params, dt)
	if p.velocity.Magnitude() >= p.cfg.MinVelocity &&
		inst.Magnitude() >= p.cfg.MinVelocity &&
		p.velocity.Dot(inst) < 0 {
		p.log.Debug("Navigation diverged from prediction; clearing",
			"velocity", p.velocity, "observed", inst)
		p.clearLocked()
		p.velocity = Velocity{}
	}

	decay := p.cfg.DecayFactor
	p.velocity = p.velocity.Scale(decay).Add(inst.Scale(1 - decay))
	p.last, p.lastAt = params, now
}

// Tick decays the velocity by one step; call it periodically between observations
func (p *Predictor) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.velocity = p.velocity.Scale(p.cfg.DecayFactor)
}

// Velocity returns the current smoothed velocity
func (p *Predictor) Velocity() Velocity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.velocity
}

// PredictNextViews extrapolates up to MaxPredictions views ahead of current.
// Keys already pending or completed are skipped. Returns nil when disabled or
// when the velocity is below MinVelocity.
func (p *Predictor) PredictNextViews(current types.Params, fractal types.Fractal) []Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictLocked(current, fractal)
}

func (p *Predictor) predictLocked(current types.Params, fractal types.Fractal) []Prediction {
	if !p.enabled || current.Zoom <= 0 || p.velocity.Magnitude() < p.cfg.MinVelocity {
		return nil
	}

	var out []Prediction
	seen := make(map[string]bool, p.cfg.MaxPredictions)
	for i := 0; i < p.cfg.MaxPredictions; i++ {
		dist := p.cfg.PredictionDistance * float64(i+1)
		params := extrapolate(current, p.velocity, dist)
		key := types.ViewKey(fractal, params)
		if seen[key] || p.knownLocked(key) {
			continue
		}
		seen[key] = true
		out = append(out, Prediction{
			Key:      key,
			Params:   params,
			Fractal:  fractal,
			Priority: types.PriorityBackground + types.Priority(i),
			Distance: dist,
		})
	}
	return out
}

// AddPrediction inserts pred into the pending set. It returns false when the
// predictor is disabled or the key is already pending or completed.
func (p *Predictor) AddPrediction(pred Prediction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(pred) != nil
}

func (p *Predictor) addLocked(pred Prediction) *pending {
	if !p.enabled || p.knownLocked(pred.Key) {
		return nil
	}
	e := &pending{pred: pred, task: types.TaskID(TaskPrefix + pred.Key)}
	p.pending[pred.Key] = e
	return e
}

func (p *Predictor) knownLocked(key string) bool {
	if _, ok := p.pending[key]; ok {
		return true
	}
	_, ok := p.completed[key]
	return ok
}

// NextPrediction returns the pending prediction with the lowest priority value
// without removing it. Ties go to the lexically smallest key.
func (p *Predictor) NextPrediction() (Prediction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		best  Prediction
		found bool
	)
	for _, e := range p.pending {
		if !found || e.pred.Priority < best.Priority ||
			(e.pred.Priority == best.Priority && e.pred.Key < best.Key) {
			best, found = e.pred, true
		}
	}
	return best, found
}

// Pending returns the pending predictions ordered by priority then key
func (p *Predictor) Pending() []Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Prediction, 0, len(p.pending))
	for _, e := range p.pending {
		out = append(out, e.pred)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// MarkCompleted moves key from pending to completed with its field.
// It returns false if key was not pending.
func (p *Predictor) MarkCompleted(key string, field types.ScalarField) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[key]; !ok {
		return false
	}
	delete(p.pending, key)
	p.storeLocked(key, field)
	return true
}

func (p *Predictor) storeLocked(key string, field types.ScalarField) {
	p.completed[key] = field
	p.order.Add(key)
	for p.order.Length() > p.cfg.MaxCached {
		oldest := p.order.Remove().(string)
		delete(p.completed, oldest)
		p.log.Debug("Evicted cached prediction", "key", oldest)
	}
}

// Discard drops a pending prediction and cancels its pool task
func (p *Predictor) Discard(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pending[key]
	if !ok {
		return
	}
	delete(p.pending, key)
	p.cancelLocked(e)
}

// Clear empties both the pending and the completed sets
func (p *Predictor) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *Predictor) clearLocked() {
	p.dropPendingLocked()
	clear(p.completed)
	p.order = queue.New()
}

func (p *Predictor) dropPendingLocked() {
	if len(p.pending) == 0 {
		return
	}
	var ids []types.TaskID
	for _, e := range p.pending {
		if e.future != nil {
			ids = append(ids, e.task)
		}
	}
	clear(p.pending)
	if p.pool != nil && len(ids) > 0 {
		p.pool.CancelTiles(ids...)
	}
}

func (p *Predictor) cancelLocked(e *pending) {
	if p.pool != nil && e.future != nil {
		p.pool.CancelTiles(e.task)
	}
}

// SetEnabled toggles prediction. Disabling drops pending work; completed
// fields stay usable until Clear.
func (p *Predictor) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.enabled = enabled
	if !enabled {
		p.dropPendingLocked()
	}
}

// Stats returns a snapshot of the predictor state
func (p *Predictor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Enabled:   p.enabled,
		Pending:   len(p.pending),
		Completed: len(p.completed),
		Velocity:  p.velocity,
	}
}

// Lookup returns a completed field for key if it matches the canvas size
func (p *Predictor) Lookup(key string, width, height int) (types.ScalarField, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	field, ok := p.completed[key]
	if !ok || field.Width != width || field.Height != height {
		return types.ScalarField{}, false
	}
	return field, true
}

// Prefetch predicts views ahead of current and submits each new one to the
// pool as a whole-canvas background task. It returns the number submitted.
func (p *Predictor) Prefetch(width, height int, current types.Params, fractal types.Fractal) int {
	if p.pool == nil || width <= 0 || height <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	submitted := 0
	for _, pred := range p.predictLocked(current, fractal) {
		e := p.addLocked(pred)
		if e == nil {
			continue
		}
		req := worker.Request{
			ID:           e.task,
			Width:        width,
			Height:       height,
			CanvasWidth:  width,
			CanvasHeight: height,
			Params:       pred.Params,
			Fractal:      pred.Fractal,
		}
		e.future = p.pool.ComputeTile(req, pred.Priority)
		go p.await(pred.Key, e.future)

		submitted++
		p.metrics.RecordPrediction()
		p.log.Debug("Prediction scheduled", "key", pred.Key, "priority", pred.Priority, "distance", pred.Distance)
	}
	return submitted
}

// await settles a submitted prediction. A result for an entry that has since
// been dropped or replaced is ignored.
func (p *Predictor) await(key string, fut *worker.Future) {
	res, err := fut.Wait(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pending[key]
	if !ok || e.future != fut {
		return
	}
	delete(p.pending, key)
	if err != nil {
		if !worker.IsCancelled(err) && !worker.IsShutdown(err) {
			p.log.Warn("Prediction failed", "key", key, "error", err)
		}
		return
	}
	p.storeLocked(key, res.Field)
}
