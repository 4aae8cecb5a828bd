// ============================================================================
// fractiles Worker - Long-lived execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: A worker handle owns one goroutine that computes scalar fields
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive a Request from its own request channel (capacity 1)
//   2. Run the ComputeFunc synchronously
//   3. Send a Response or Failure, tagged with the worker id, to the pool
//   4. Repeat until the request channel is closed by Pool.Shutdown
//
//   The pool only sends a request to a worker it has marked idle, so the
//   request channel never holds more than one request and the send never blocks.
//
// Cancellation:
//   A running computation is never interrupted by CancelTiles. The compute
//   context is cancelled only on pool shutdown, which lets a long computation
//   bail out early.
//
// Error Handling:
//   - Compute errors become a Failure
//   - Panics inside the ComputeFunc are recovered into a Failure
//   - A field whose size does not match the tile is a Failure
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

// WorkerState is the idle/busy state of a worker handle
type WorkerState int

const (
	StateIdle WorkerState = iota
	StateBusy
)

func (s WorkerState) String() string {
	if s == StateBusy {
		return "busy"
	}
	return "idle"
}

// Worker represents a work execution unit
type Worker struct {
	id      int             // Worker identity, index into Pool.workers
	reqCh   chan Request    // Requests from the pool
	replyCh chan<- envelope // Replies to the pool
	compute ComputeFunc     // Scalar-field collaborator
	log     *slog.Logger
	state   WorkerState // guarded by Pool.mu
	task    *task       // in-flight task, guarded by Pool.mu
}

// newWorker creates a new Worker instance
func newWorker(id int, replyCh chan<- envelope, compute ComputeFunc, log *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		reqCh:   make(chan Request, 1),
		replyCh: replyCh,
		compute: compute,
		log:     log.With("worker", id),
	}
}

// Run is the main loop of the Worker
func (w *Worker) Run(ctx context.Context) {
	for req := range w.reqCh {
		w.replyCh <- envelope{workerID: w.id, reply: w.execute(ctx, req)}
	}
	w.log.Debug("Worker stopped")
}

// execute runs the compute function for one request
func (w *Worker) execute(ctx context.Context, req Request) (reply Reply) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Compute panicked", "task", req.ID, "panic", r)
			reply = Failure{ID: req.ID, Err: fmt.Errorf("compute panic: %v", r), Elapsed: time.Since(start)}
		}
	}()

	field, err := w.compute(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return Failure{ID: req.ID, Err: err, Elapsed: elapsed}
	}
	if err := checkField(field, req); err != nil {
		return Failure{ID: req.ID, Err: err, Elapsed: elapsed}
	}

	return Response{
		ID:    req.ID,
		Field: field,
		Meta:  Meta{Elapsed: elapsed, Width: field.Width, Height: field.Height},
	}
}

func checkField(f types.ScalarField, req Request) error {
	if f.Width != req.Width || f.Height != req.Height || len(f.Values) != req.Width*req.Height {
		return fmt.Errorf("field is %dx%d with %d samples, tile is %dx%d",
			f.Width, f.Height, len(f.Values), req.Width, req.Height)
	}
	return nil
}
