package worker

import (
	"sort"

	"github.com/eapache/queue"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

// taskQueue holds queued tasks as one FIFO ring per priority class.
//
// Cancelled tasks are not unlinked from their ring; pop skips any entry that
// is no longer in the queued state. The pool's queued map is the authoritative
// set of live entries.
type taskQueue struct {
	classes []*priorityClass // ascending priority value, most urgent first
}

type priorityClass struct {
	priority types.Priority
	ring     *queue.Queue
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// push appends t to the tail of its priority class
func (q *taskQueue) push(t *task) {
	i := sort.Search(len(q.classes), func(i int) bool {
		return q.classes[i].priority >= t.priority
	})
	if i == len(q.classes) || q.classes[i].priority != t.priority {
		c := &priorityClass{priority: t.priority, ring: queue.New()}
		q.classes = append(q.classes, nil)
		copy(q.classes[i+1:], q.classes[i:])
		q.classes[i] = c
	}
	q.classes[i].ring.Add(t)
}

// pop removes and returns the oldest live task of the most urgent class,
// or nil when no live task remains
func (q *taskQueue) pop() *task {
	for len(q.classes) > 0 {
		c := q.classes[0]
		for c.ring.Length() > 0 {
			t := c.ring.Remove().(*task)
			if t.state == stateQueued {
				if c.ring.Length() == 0 {
					q.classes = q.classes[1:]
				}
				return t
			}
		}
		q.classes = q.classes[1:]
	}
	return nil
}

// physicalLen counts ring entries, including stale cancelled ones
func (q *taskQueue) physicalLen() int {
	n := 0
	for _, c := range q.classes {
		n += c.ring.Length()
	}
	return n
}
