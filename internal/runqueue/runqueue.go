// Package runqueue provides per-group FIFO serialization of jobs.
//
// Jobs enqueued under the same group key execute strictly one at a time, in
// submission order. Distinct groups run concurrently. A group's pump
// goroutine is started lazily on first enqueue and exits when its list
// drains; the group itself lives for the process lifetime.
package runqueue

import "sync"

// Job is a unit of work executed by a group pump. The pump considers the job
// complete when the function returns; a job's internal failure is the job's
// own business and never halts the queue.
type Job func()

type group struct {
	pending []Job
	running bool
}

// Queue serializes jobs per group key.
type Queue struct {
	mu     sync.Mutex
	groups map[string]*group
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{groups: make(map[string]*group)}
}

// Enqueue appends job to the group's pending list and starts a pump for the
// group if none is active. It returns immediately.
func (q *Queue) Enqueue(groupKey string, job Job) {
	q.mu.Lock()
	g, ok := q.groups[groupKey]
	if !ok {
		g = &group{}
		q.groups[groupKey] = g
	}
	g.pending = append(g.pending, job)
	start := !g.running
	if start {
		g.running = true
	}
	q.mu.Unlock()

	if start {
		go q.pump(groupKey, g)
	}
}

// pump drains the group's pending list FIFO, one job at a time.
func (q *Queue) pump(groupKey string, g *group) {
	for {
		q.mu.Lock()
		if len(g.pending) == 0 {
			g.running = false
			q.mu.Unlock()
			return
		}
		job := g.pending[0]
		g.pending = g.pending[1:]
		q.mu.Unlock()

		job()
	}
}

// PendingCount returns the number of jobs waiting (not yet started) in the
// given group.
func (q *Queue) PendingCount(groupKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[groupKey]
	if !ok {
		return 0
	}
	return len(g.pending)
}
