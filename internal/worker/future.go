package worker

import (
	"context"
	"sync"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

// Future is the pending outcome of a submitted task.
// It settles exactly once, with either a Result or an error.
type Future struct {
	id     types.TaskID
	done   chan struct{}
	once   sync.Once
	result *Result
	err    error
}

func newFuture(id types.TaskID) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// failedFuture returns a future that is already rejected
func failedFuture(id types.TaskID, err error) *Future {
	f := newFuture(id)
	f.reject(err)
	return f
}

// ID returns the task id the future belongs to
func (f *Future) ID() types.TaskID { return f.id }

// Done is closed once the future settles
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done.
// A ctx error does not cancel the task; call Pool.CancelTiles for that.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(r *Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
