package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify dispatch bound, priority ordering, cancellation, shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fractiles/internal/metrics"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

// gatedCompute blocks every computation until gate is closed
type gatedCompute struct {
	mu         sync.Mutex
	calls      []types.TaskID
	started    chan types.TaskID
	gate       chan struct{}
	running    atomic.Int32
	maxRunning atomic.Int32
}

func newGatedCompute() *gatedCompute {
	return &gatedCompute{
		started: make(chan types.TaskID, 256),
		gate:    make(chan struct{}),
	}
}

func (g *gatedCompute) fn(ctx context.Context, req Request) (types.ScalarField, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.ID)
	g.mu.Unlock()

	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		m := g.maxRunning.Load()
		if n <= m || g.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	g.started <- req.ID
	select {
	case <-g.gate:
	case <-ctx.Done():
		return types.ScalarField{}, ctx.Err()
	}
	return filledField(req, 0.5), nil
}

func (g *gatedCompute) release() { close(g.gate) }

func (g *gatedCompute) callOrder() []types.TaskID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.TaskID(nil), g.calls...)
}

func filledField(req Request, v float64) types.ScalarField {
	f := types.NewScalarField(req.Width, req.Height)
	for i := range f.Values {
		f.Values[i] = v
	}
	return f
}

func instantCompute(_ context.Context, req Request) (types.ScalarField, error) {
	return filledField(req, 0.25), nil
}

func tileRequest(id string) Request {
	return Request{
		ID:           types.TaskID(id),
		Width:        4,
		Height:       2,
		CanvasWidth:  4,
		CanvasHeight: 2,
		Params:       types.DefaultParams(),
		Fractal:      types.FractalMandelbrot,
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPoolDefaults tests the worker count fallback
func TestNewPoolDefaults(t *testing.T) {
	pool := NewPool(Config{}, instantCompute)
	defer pool.Shutdown()

	assert.Equal(t, runtime.NumCPU(), pool.MaxWorkers())
	stats := pool.Stats()
	assert.Equal(t, runtime.NumCPU(), stats.Workers)
	assert.Equal(t, stats.Workers, stats.Idle)
	assert.False(t, pool.IsClosed())
}

// TestComputeTileResolves tests the happy path
func TestComputeTileResolves(t *testing.T) {
	pool := NewPool(Config{MaxWorkers: 2}, instantCompute)
	defer pool.Shutdown()

	fut := pool.ComputeTile(tileRequest("t1"), types.PriorityForeground)
	assert.Equal(t, types.TaskID("t1"), fut.ID())

	res, err := fut.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("t1"), res.ID)
	assert.Equal(t, 4, res.Meta.Width)
	assert.Equal(t, 2, res.Meta.Height)
	require.Len(t, res.Field.Values, 8)
	assert.Equal(t, 0.25, res.Field.Values[0])
}

// TestManyTasksAllSettle tests a burst larger than the worker count
func TestManyTasksAllSettle(t *testing.T) {
	pool := NewPool(Config{MaxWorkers: 3}, instantCompute)
	defer pool.Shutdown()

	futures := make([]*Future, 0, 100)
	for i := 0; i < 100; i++ {
		futures = append(futures, pool.ComputeTile(tileRequest(fmt.Sprintf("task-%d", i)), types.PriorityForeground))
	}
	for _, f := range futures {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.InFlight)
}

// ============================================================================
// Concurrency Bound Tests
// ============================================================================

// TestMaxWorkersBound tests that at most MaxWorkers tasks run at once
func TestMaxWorkersBound(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 2}, g.fn)
	defer pool.Shutdown()

	var futures []*Future
	for i := 0; i < 4; i++ {
		futures = append(futures, pool.ComputeTile(tileRequest(fmt.Sprintf("tile-%d", i)), types.PriorityForeground))
	}

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Busy)
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 2, stats.Queued)

	<-g.started
	<-g.started
	g.release()

	for _, f := range futures {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, g.maxRunning.Load(), int32(2))
	assert.Len(t, g.callOrder(), 4)
}

// ============================================================================
// Cancellation Tests
// ============================================================================

// TestCancelQueuedTilesNeverReachWorker tests cancellation of queued tasks
func TestCancelQueuedTilesNeverReachWorker(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 2}, g.fn)
	defer pool.Shutdown()

	f0 := pool.ComputeTile(tileRequest("tile-0"), types.PriorityForeground)
	f1 := pool.ComputeTile(tileRequest("tile-1"), types.PriorityForeground)
	f2 := pool.ComputeTile(tileRequest("tile-2"), types.PriorityForeground)
	f3 := pool.ComputeTile(tileRequest("tile-3"), types.PriorityForeground)
	<-g.started
	<-g.started

	pool.CancelTiles("tile-2", "tile-3")

	// queued futures reject before any worker frees up
	for _, f := range []*Future{f2, f3} {
		select {
		case <-f.Done():
		default:
			t.Fatalf("future %s should be settled immediately", f.ID())
		}
		_, err := f.Wait(waitCtx(t))
		assert.True(t, IsCancelled(err))
	}
	assert.Equal(t, 0, pool.Stats().Queued)

	g.release()
	for _, f := range []*Future{f0, f1} {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []types.TaskID{"tile-0", "tile-1"}, g.callOrder())
}

// TestCancelInFlightDiscardsReply tests cooperative cancellation
func TestCancelInFlightDiscardsReply(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 1}, g.fn)
	defer pool.Shutdown()

	fut := pool.ComputeTile(tileRequest("busy"), types.PriorityForeground)
	<-g.started

	pool.CancelTiles("busy")

	select {
	case <-fut.Done():
		t.Fatal("in-flight task must wait for its reply")
	default:
	}

	g.release()
	_, err := fut.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)

	// worker is reusable afterwards
	res, err := pool.ComputeTile(tileRequest("next"), types.PriorityForeground).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("next"), res.ID)
}

// TestCancelUnknownIsNoop tests cancelling ids that were never submitted
func TestCancelUnknownIsNoop(t *testing.T) {
	pool := NewPool(Config{MaxWorkers: 1}, instantCompute)
	defer pool.Shutdown()

	assert.NotPanics(t, func() {
		pool.CancelTiles("never-submitted")
		pool.CancelTiles()
	})

	fut := pool.ComputeTile(tileRequest("done"), types.PriorityForeground)
	_, err := fut.Wait(waitCtx(t))
	require.NoError(t, err)

	// cancelling a settled task changes nothing
	pool.CancelTiles("done")
	res, err := fut.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("done"), res.ID)
}

// TestReuseIDAfterInFlightCancel tests that a cancelled in-flight id can be resubmitted
func TestReuseIDAfterInFlightCancel(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 2}, g.fn)
	defer pool.Shutdown()

	old := pool.ComputeTile(tileRequest("view"), types.PriorityForeground)
	<-g.started
	pool.CancelTiles("view")

	fresh := pool.ComputeTile(tileRequest("view"), types.PriorityForeground)
	<-g.started
	g.release()

	_, err := old.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	res, err := fresh.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("view"), res.ID)
}

// ============================================================================
// Ordering Tests
// ============================================================================

// TestForegroundBeforeBackground tests the dispatch ordering rule
func TestForegroundBeforeBackground(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 1}, g.fn)
	defer pool.Shutdown()

	futures := []*Future{pool.ComputeTile(tileRequest("blocker"), types.PriorityForeground)}
	<-g.started

	futures = append(futures,
		pool.ComputeTile(tileRequest("far"), types.PriorityBackground+2),
		pool.ComputeTile(tileRequest("near-a"), types.PriorityBackground),
		pool.ComputeTile(tileRequest("fg-a"), types.PriorityForeground),
		pool.ComputeTile(tileRequest("near-b"), types.PriorityBackground),
		pool.ComputeTile(tileRequest("fg-b"), types.PriorityForeground),
	)
	g.release()

	for _, f := range futures {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}

	assert.Equal(t,
		[]types.TaskID{"blocker", "fg-a", "fg-b", "near-a", "near-b", "far"},
		g.callOrder())
}

// TestCancelledQueuedTaskIsSkipped tests that dispatch skips cancelled entries
func TestCancelledQueuedTaskIsSkipped(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 1}, g.fn)
	defer pool.Shutdown()

	blocker := pool.ComputeTile(tileRequest("blocker"), types.PriorityForeground)
	<-g.started
	skipped := pool.ComputeTile(tileRequest("skipped"), types.PriorityForeground)
	kept := pool.ComputeTile(tileRequest("kept"), types.PriorityForeground)
	pool.CancelTiles("skipped")
	g.release()

	for _, f := range []*Future{blocker, kept} {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	_, err := skipped.Wait(waitCtx(t))
	assert.True(t, IsCancelled(err))
	assert.Equal(t, []types.TaskID{"blocker", "kept"}, g.callOrder())
}

// ============================================================================
// Failure Tests
// ============================================================================

// TestFailureIsIsolated tests that one failing task does not affect others
func TestFailureIsIsolated(t *testing.T) {
	boom := errors.New("boom")
	compute := func(ctx context.Context, req Request) (types.ScalarField, error) {
		if req.ID == "bad" {
			return types.ScalarField{}, boom
		}
		return instantCompute(ctx, req)
	}
	pool := NewPool(Config{MaxWorkers: 2}, compute)
	defer pool.Shutdown()

	bad := pool.ComputeTile(tileRequest("bad"), types.PriorityForeground)
	good := pool.ComputeTile(tileRequest("good"), types.PriorityForeground)

	_, err := bad.Wait(waitCtx(t))
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.TaskID("bad"), taskErr.ID)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsCancelled(err))

	_, err = good.Wait(waitCtx(t))
	assert.NoError(t, err)
}

// TestPanicBecomesFailure tests panic recovery inside a worker
func TestPanicBecomesFailure(t *testing.T) {
	compute := func(ctx context.Context, req Request) (types.ScalarField, error) {
		if req.ID == "panic" {
			panic("bad tile")
		}
		return instantCompute(ctx, req)
	}
	pool := NewPool(Config{MaxWorkers: 1}, compute)
	defer pool.Shutdown()

	_, err := pool.ComputeTile(tileRequest("panic"), types.PriorityForeground).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compute panic")

	_, err = pool.ComputeTile(tileRequest("after"), types.PriorityForeground).Wait(waitCtx(t))
	assert.NoError(t, err)
}

// TestWrongFieldSizeFails tests validation of worker output
func TestWrongFieldSizeFails(t *testing.T) {
	compute := func(_ context.Context, req Request) (types.ScalarField, error) {
		return types.NewScalarField(1, 1), nil
	}
	pool := NewPool(Config{MaxWorkers: 1}, compute)
	defer pool.Shutdown()

	_, err := pool.ComputeTile(tileRequest("short"), types.PriorityForeground).Wait(waitCtx(t))
	var taskErr *TaskError
	assert.ErrorAs(t, err, &taskErr)
}

// TestDuplicateTaskID tests that the pool does not merge duplicates
func TestDuplicateTaskID(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 1}, g.fn)
	defer pool.Shutdown()

	first := pool.ComputeTile(tileRequest("dup"), types.PriorityForeground)
	<-g.started
	second := pool.ComputeTile(tileRequest("dup"), types.PriorityForeground)

	_, err := second.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	g.release()
	_, err = first.Wait(waitCtx(t))
	assert.NoError(t, err)
}

// TestQueueFull tests the optional queue depth bound
func TestQueueFull(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 1, MaxQueueDepth: 1}, g.fn)
	defer pool.Shutdown()

	running := pool.ComputeTile(tileRequest("running"), types.PriorityForeground)
	<-g.started
	queued := pool.ComputeTile(tileRequest("queued"), types.PriorityForeground)
	rejected := pool.ComputeTile(tileRequest("rejected"), types.PriorityForeground)

	_, err := rejected.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrQueueFull)

	g.release()
	for _, f := range []*Future{running, queued} {
		_, err := f.Wait(waitCtx(t))
		assert.NoError(t, err)
	}
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestShutdownRejectsPending tests that shutdown settles every future
func TestShutdownRejectsPending(t *testing.T) {
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 1}, g.fn)

	inFlight := pool.ComputeTile(tileRequest("a"), types.PriorityForeground)
	<-g.started
	queued := pool.ComputeTile(tileRequest("b"), types.PriorityBackground)

	pool.Shutdown()

	for _, f := range []*Future{inFlight, queued} {
		_, err := f.Wait(waitCtx(t))
		assert.True(t, IsShutdown(err), "got %v", err)
	}

	_, err := pool.ComputeTile(tileRequest("late"), types.PriorityForeground).Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.True(t, pool.IsClosed())

	assert.NotPanics(t, func() {
		pool.Shutdown()
		pool.CancelTiles("a", "b")
	})
}

// ============================================================================
// Metrics Tests
// ============================================================================

// TestPoolReportsMetrics tests the collector wiring
func TestPoolReportsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	g := newGatedCompute()
	pool := NewPool(Config{MaxWorkers: 1}, g.fn, WithMetrics(collector))
	defer pool.Shutdown()

	done := pool.ComputeTile(tileRequest("done"), types.PriorityForeground)
	<-g.started
	cancelled := pool.ComputeTile(tileRequest("cancelled"), types.PriorityForeground)
	assert.Equal(t, 1.0, metricValue(t, reg, "fractiles_tasks_queued"))
	pool.CancelTiles("cancelled")
	g.release()

	_, err := done.Wait(waitCtx(t))
	require.NoError(t, err)
	_, err = cancelled.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, 2.0, metricValue(t, reg, "fractiles_tasks_submitted_total"))
	assert.Equal(t, 1.0, metricValue(t, reg, "fractiles_tasks_dispatched_total"))
	assert.Equal(t, 1.0, metricValue(t, reg, "fractiles_tasks_completed_total"))
	assert.Equal(t, 1.0, metricValue(t, reg, "fractiles_tasks_cancelled_total"))
	assert.Equal(t, 0.0, metricValue(t, reg, "fractiles_tasks_queued"))
}

// metricValue reads a single-series counter or gauge from reg
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// ============================================================================
// Queue Tests
// ============================================================================

// TestTaskQueueOrdering tests the per-class FIFO
func TestTaskQueueOrdering(t *testing.T) {
	q := newTaskQueue()
	mk := func(id string, p types.Priority) *task {
		return &task{req: Request{ID: types.TaskID(id)}, priority: p, state: stateQueued}
	}

	q.push(mk("bg1", types.PriorityBackground))
	q.push(mk("fg1", types.PriorityForeground))
	stale := mk("fg2", types.PriorityForeground)
	q.push(stale)
	q.push(mk("fg3", types.PriorityForeground))
	q.push(mk("bg2", types.PriorityBackground))
	stale.state = stateSettled

	assert.Equal(t, 5, q.physicalLen())

	var got []types.TaskID
	for t := q.pop(); t != nil; t = q.pop() {
		got = append(got, t.req.ID)
	}
	assert.Equal(t, []types.TaskID{"fg1", "fg3", "bg1", "bg2"}, got)
	assert.Equal(t, 0, q.physicalLen())
	assert.Nil(t, q.pop())
}
