// Package events publishes typed job lifecycle events into a bounded buffer
// that API clients poll by sequence number.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names a lifecycle transition.
type Type string

const (
	JobQueued         Type = "job_queued"
	JobStarted        Type = "job_started"
	TransportFallback Type = "transport_fallback"
	StageStarted      Type = "stage_started"
	StageProgress     Type = "stage_progress"
	StageCompleted    Type = "stage_completed"
	JobRetrying       Type = "job_retrying"
	ComputeFallback   Type = "compute_fallback"
	JobSucceeded      Type = "job_succeeded"
	JobFailed         Type = "job_failed"
	JobCancelled      Type = "job_cancelled"
	CancelRequested   Type = "cancel_requested"
)

// Event is one published transition.
type Event struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id"`
	Engine    string    `json:"engine,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	State     string    `json:"state,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Sink receives every published event after it is buffered.
type Sink interface {
	Observe(Event)
}

// Hub stores recent events and wakes waiters when new events arrive.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Event
	nextSeq  uint64
	sinks    []Sink
}

// NewHub constructs a bounded in-memory event buffer.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1024
	}
	h := &Hub{capacity: capacity}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// AddSink wires an additional sink that receives every published event.
func (h *Hub) AddSink(sink Sink) {
	if h == nil || sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Publish assigns the next sequence number and appends evt. A nil hub drops it.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.nextSeq++
	evt.Sequence = h.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, evt)
	sinks := append([]Sink(nil), h.sinks...)
	h.cond.Broadcast()
	h.mu.Unlock()

	for _, sink := range sinks {
		sink.Observe(evt)
	}
}

// Fetch returns events with sequence greater than since, up to limit. When
// wait is true it blocks until at least one event exists or ctx ends. The
// returned cursor is the latest sequence published.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	stop := make(chan struct{})
	defer close(stop)
	if wait && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-stop:
			}
		}()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		out, next := h.snapshotLocked(since, limit)
		if len(out) > 0 || !wait {
			return out, next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
	}
}

// Latest reports the last sequence number published.
func (h *Hub) Latest() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

func (h *Hub) snapshotLocked(since uint64, limit int) ([]Event, uint64) {
	start := len(h.buffer)
	for i, evt := range h.buffer {
		if evt.Sequence > since {
			start = i
			break
		}
	}
	if start == len(h.buffer) {
		return nil, h.nextSeq
	}
	end := start + limit
	if end > len(h.buffer) {
		end = len(h.buffer)
	}
	out := make([]Event, end-start)
	copy(out, h.buffer[start:end])
	return out, h.nextSeq
}
