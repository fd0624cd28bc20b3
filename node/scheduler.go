package node

import (
	"container/heap"
	"time"
)

// task is a periodic job run by the event loop.
type task struct {
	name     string
	interval time.Duration
	next     time.Time
	run      func(now time.Time)
	index    int
}

// taskQueue is a min-heap of tasks ordered by their next run time.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return q[i].next.Before(q[j].next)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// scheduler runs periodic tasks from a single goroutine. It is not safe for
// concurrent use; the event loop owns it.
type scheduler struct {
	queue taskQueue
	runs  map[string]uint64
}

func newScheduler() *scheduler {
	return &scheduler{runs: make(map[string]uint64)}
}

// Every schedules run every interval, first at first.
func (s *scheduler) Every(name string, interval time.Duration, first time.Time, run func(now time.Time)) {
	if interval <= 0 {
		return
	}
	heap.Push(&s.queue, &task{name: name, interval: interval, next: first, run: run})
}

// Next returns when the earliest task is due.
func (s *scheduler) Next() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].next, true
}

// RunDue runs every task due at now, once each, and reschedules it one
// interval after now. It returns the number of tasks run.
func (s *scheduler) RunDue(now time.Time) int {
	var due []*task
	for len(s.queue) > 0 && !s.queue[0].next.After(now) {
		due = append(due, heap.Pop(&s.queue).(*task))
	}
	for _, t := range due {
		t.run(now)
		s.runs[t.name]++
		t.next = now.Add(t.interval)
		heap.Push(&s.queue, t)
	}
	return len(due)
}

// Runs reports how often the named task has run.
func (s *scheduler) Runs(name string) uint64 {
	return s.runs[name]
}

// Len returns the number of scheduled tasks.
func (s *scheduler) Len() int {
	return len(s.queue)
}
