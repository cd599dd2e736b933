// Package queue holds tasks between the moment a fake producer accepts them and
// the moment the dispatcher replays them.
package queue

import (
	"sync"

	"github.com/austindbirch/taskreplay/internal/delivery"
)

type MemoryOption func(*Memory)

// WithDepthObserver registers fn to be called with the queue depth after every change.
func WithDepthObserver(fn func(depth int)) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.observe = fn
		}
	}
}

// Memory is an unbounded FIFO of tasks. Enqueue never blocks and never drops.
type Memory struct {
	mu      sync.Mutex
	tasks   []delivery.Task
	observe func(int)
}

// NewMemory returns an empty queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{observe: func(int) {}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends t at the tail.
func (m *Memory) Enqueue(t delivery.Task) {
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	depth := len(m.tasks)
	m.mu.Unlock()
	m.observe(depth)
}

// DrainAll removes and returns every queued task in FIFO order.
// Tasks enqueued after the call belong to the next drain.
func (m *Memory) DrainAll() []delivery.Task {
	m.mu.Lock()
	wave := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	if len(wave) > 0 {
		m.observe(0)
	}
	return wave
}

// Len returns the number of queued tasks.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Reset drops every queued task.
func (m *Memory) Reset() {
	m.DrainAll()
}
