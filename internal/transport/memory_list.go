package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrListFull reports a MemoryList at capacity.
var ErrListFull = errors.New("fallback list full")

// MemoryList is an in-process fallback store for single-node runs without
// redis. Parked messages do not survive a restart.
type MemoryList struct {
	mu       sync.Mutex
	capacity int
	lists    map[string][][]byte
}

// NewMemoryList builds a list holding at most capacity messages per key.
// A capacity <= 0 means unbounded.
func NewMemoryList(capacity int) *MemoryList {
	return &MemoryList{capacity: capacity, lists: make(map[string][][]byte)}
}

// Append parks message at the tail of listKey.
func (m *MemoryList) Append(_ context.Context, listKey string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity > 0 && len(m.lists[listKey]) >= m.capacity {
		return ErrListFull
	}
	m.lists[listKey] = append(m.lists[listKey], append([]byte(nil), message...))
	return nil
}

// Len reports how many messages are parked on listKey.
func (m *MemoryList) Len(_ context.Context, listKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[listKey])), nil
}

// Drain hands up to max messages from the head of listKey to fn. A message
// fn rejects stays at the head.
func (m *MemoryList) Drain(ctx context.Context, listKey string, max int, fn func(context.Context, []byte) error) (int, error) {
	moved := 0
	for max <= 0 || moved < max {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		m.mu.Lock()
		queue := m.lists[listKey]
		if len(queue) == 0 {
			m.mu.Unlock()
			return moved, nil
		}
		head := queue[0]
		m.lists[listKey] = queue[1:]
		m.mu.Unlock()

		if err := fn(ctx, head); err != nil {
			m.mu.Lock()
			m.lists[listKey] = append([][]byte{head}, m.lists[listKey]...)
			m.mu.Unlock()
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Close is a no-op.
func (m *MemoryList) Close() error { return nil }
