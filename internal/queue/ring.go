// Package queue provides the bounded FIFO used to hand work from producer
// goroutines to the tick goroutine.
package queue

import "sync"

// Metrics receives occupancy and overflow counters.
type Metrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// Ring stores staged items in a fixed-size ring. It is safe for concurrent
// producers and a single consumer.
type Ring[T any] struct {
	mu    sync.Mutex
	data  []T
	head  int
	tail  int
	count int

	metrics      Metrics
	occupancyKey string
	overflowKey  string
}

// NewRing constructs a ring with the provided capacity. Metric keys are
// derived from name, for example "impulse_queue_occupancy".
func NewRing[T any](name string, capacity int, metrics Metrics) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:         make([]T, capacity),
		metrics:      metrics,
		occupancyKey: name + "_occupancy",
		overflowKey:  name + "_overflow_total",
	}
}

// Capacity reports the maximum number of items the ring can hold.
func (r *Ring[T]) Capacity() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Push stages an item, returning false if the ring is full.
func (r *Ring[T]) Push(item T) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.data) {
		if r.metrics != nil {
			r.metrics.Add(r.overflowKey, 1)
		}
		return false
	}
	r.data[r.tail] = item
	r.tail = (r.tail + 1) % len(r.data)
	r.count++
	r.storeOccupancyLocked()
	return true
}

// Drain returns all staged items in FIFO order and clears the ring.
func (r *Ring[T]) Drain() []T {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	items := make([]T, r.count)
	var zero T
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.data)
		items[i] = r.data[idx]
		r.data[idx] = zero
	}
	r.head = 0
	r.tail = 0
	r.count = 0
	r.storeOccupancyLocked()
	return items
}

// Len reports the number of staged items.
func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Ring[T]) storeOccupancyLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.Store(r.occupancyKey, uint64(r.count))
}
