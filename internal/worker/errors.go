package worker

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

var (
	// ErrPoolShutdown is returned for every task that was pending when the pool shut down
	ErrPoolShutdown = errors.New("worker pool shut down")
	// ErrCancelled is returned for tasks cancelled through CancelTiles
	ErrCancelled = errors.New("task cancelled")
	// ErrDuplicateTask is returned when a task id is already queued or in flight
	ErrDuplicateTask = errors.New("task id already pending")
	// ErrQueueFull is returned when MaxQueueDepth is set and reached
	ErrQueueFull = errors.New("task queue is full")
)

// TaskError wraps a worker computation failure
type TaskError struct {
	ID  types.TaskID
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.ID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// IsCancelled reports whether err is a cancellation rejection
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsShutdown reports whether err was caused by pool shutdown
func IsShutdown(err error) bool {
	return errors.Is(err, ErrPoolShutdown)
}
