package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

// ============================================================================
// Task channel protocol
// ============================================================================
//
// Dispatcher -> worker: Request
// Worker -> dispatcher: Response | Failure, wrapped in an envelope that names
// the worker so the pool can mark it idle again.
//
// Correlation is one-to-one by task id. Replies are unordered. A reply whose
// id is unknown, already settled or cancelled is dropped by the pool. There is
// no cancel message: cancellation only decides whether a reply is acted upon.

// Request asks a worker to compute the scalar field of one tile
type Request struct {
	ID           types.TaskID  // correlation id
	X            int           // tile origin in canvas pixels
	Y            int           //
	Width        int           // tile size in pixels
	Height       int           //
	CanvasWidth  int           // full canvas size, for pixel -> plane mapping
	CanvasHeight int           //
	Params       types.Params  // opaque to the pool
	Fractal      types.Fractal // function selector
}

// Meta describes how a field was computed
type Meta struct {
	Elapsed time.Duration
	Width   int
	Height  int
}

// Reply is a message sent back by a worker
type Reply interface {
	TaskID() types.TaskID
}

// Response carries a computed scalar field
type Response struct {
	ID    types.TaskID
	Field types.ScalarField
	Meta  Meta
}

// TaskID implements Reply
func (r Response) TaskID() types.TaskID { return r.ID }

// Failure reports a computation error for one task
type Failure struct {
	ID      types.TaskID
	Err     error
	Elapsed time.Duration
}

// TaskID implements Reply
func (f Failure) TaskID() types.TaskID { return f.ID }

// envelope tags a reply with the worker that produced it
type envelope struct {
	workerID int
	reply    Reply
}

// ComputeFunc produces one sample per tile pixel. It must be deterministic
// for identical requests. ctx is cancelled when the pool shuts down.
type ComputeFunc func(ctx context.Context, req Request) (types.ScalarField, error)

// Result is what a resolved Future yields
type Result struct {
	ID    types.TaskID
	Field types.ScalarField
	Meta  Meta
}
