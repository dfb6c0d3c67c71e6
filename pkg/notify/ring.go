package notify

import "sync"

// Ring is a thread-safe fixed-size circular buffer with oldest-first eviction.
type Ring[T any] struct {
	items    []T
	head     int // Index of oldest element
	tail     int // Index where next element will be inserted
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a ring with the specified capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add inserts an item, evicting the oldest if necessary. Returns true if an
// item was evicted to make room.
func (r *Ring[T]) Add(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false

	r.items[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
		evicted = true
	}

	return evicted
}

// All returns a copy of every item from oldest to newest.
func (r *Ring[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		result = append(result, r.items[(r.head+i)%r.capacity])
	}
	return result
}

// Update calls fn with a pointer to each item from oldest to newest, stopping
// early when fn returns false.
func (r *Ring[T]) Update(fn func(item *T) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.size; i++ {
		if !fn(&r.items[(r.head+i)%r.capacity]) {
			return
		}
	}
}

// Size returns the current number of items.
func (r *Ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum capacity.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.size = 0
}
