package queue

import (
	"fmt"
	"sync"

	"vectorflow/internal/job"
)

// Queue is a priority-tiered FIFO of queued jobs. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	lanes [][]*job.Job
	index map[string]job.Priority
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		lanes: make([][]*job.Job, len(job.Priorities)),
		index: make(map[string]job.Priority),
	}
}

// Enqueue appends j to the tail of its priority lane.
func (q *Queue) Enqueue(j *job.Job) error {
	if j == nil {
		return &job.InvalidJobError{Reason: "job is nil"}
	}
	rank := j.Priority.Rank()
	if rank < 0 {
		return &job.InvalidJobError{JobID: j.ID, Field: "priority", Reason: fmt.Sprintf("unknown tier %q", j.Priority)}
	}
	if j.State != job.StateQueued {
		return &job.InvalidJobError{JobID: j.ID, Field: "state", Reason: fmt.Sprintf("must be queued, is %s", j.State)}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[j.ID]; exists {
		return &job.InvalidJobError{JobID: j.ID, Field: "id", Reason: "already queued"}
	}
	q.lanes[rank] = append(q.lanes[rank], j)
	q.index[j.ID] = j.Priority
	return nil
}

// DequeueNext removes and returns the oldest job of the highest non-empty tier.
func (q *Queue) DequeueNext() (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for rank, lane := range q.lanes {
		if len(lane) == 0 {
			continue
		}
		head := lane[0]
		lane[0] = nil
		q.lanes[rank] = lane[1:]
		delete(q.index, head.ID)
		return head, true
	}
	return nil, false
}

// Remove takes a specific job out of the queue. Absent ids are a no-op.
func (q *Queue) Remove(id string) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	priority, ok := q.index[id]
	if !ok {
		return nil, false
	}
	rank := priority.Rank()
	lane := q.lanes[rank]
	for i, candidate := range lane {
		if candidate.ID != id {
			continue
		}
		q.lanes[rank] = append(lane[:i:i], lane[i+1:]...)
		delete(q.index, id)
		return candidate, true
	}
	delete(q.index, id)
	return nil, false
}

// Get returns the queued job with id without removing it.
func (q *Queue) Get(id string) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	priority, ok := q.index[id]
	if !ok {
		return nil, false
	}
	for _, candidate := range q.lanes[priority.Rank()] {
		if candidate.ID == id {
			return candidate, true
		}
	}
	return nil, false
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Depths reports the number of queued jobs per tier.
func (q *Queue) Depths() map[job.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[job.Priority]int, len(job.Priorities))
	for rank, p := range job.Priorities {
		out[p] = len(q.lanes[rank])
	}
	return out
}

// Snapshot returns queued job ids in dequeue order.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.index))
	for _, lane := range q.lanes {
		for _, j := range lane {
			ids = append(ids, j.ID)
		}
	}
	return ids
}
