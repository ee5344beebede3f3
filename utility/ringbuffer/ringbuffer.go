package ringbuffer

// Ring is a fixed-capacity FIFO. Pushing into a full ring discards the oldest value.
// It is not safe for concurrent use, callers own the synchronisation.
type Ring[T any] struct {
	items []T
	head  int // oldest value
	size  int
}

func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
	}
}

// Push appends v and reports whether the oldest value was discarded to make room.
func (r *Ring[T]) Push(v T) (dropped bool) {
	capacity := len(r.items)
	if r.size == capacity {
		r.items[r.head] = v
		r.head = (r.head + 1) % capacity
		return true
	}
	r.items[(r.head+r.size)%capacity] = v
	r.size++
	return false
}

// Pop removes the oldest value.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// Drain removes and returns all values, oldest first.
func (r *Ring[T]) Drain() []T {
	out := make([]T, 0, r.size)
	for {
		v, ok := r.Pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (r *Ring[T]) Len() int {
	return r.size
}

func (r *Ring[T]) Capacity() int {
	return len(r.items)
}

func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}
