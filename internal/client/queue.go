package client

// queue is a bounded FIFO. It is not synchronized; the Client guards it.
type queue[T any] struct {
	items []T
	limit int
}

func newQueue[T any](limit int) *queue[T] {
	return &queue[T]{limit: limit}
}

// Push appends v, or reports false when the queue is full.
func (q *queue[T]) Push(v T) bool {
	if q.limit > 0 && len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// Pop removes the oldest item.
func (q *queue[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// TakeAll empties the queue and returns its items oldest first.
func (q *queue[T]) TakeAll() []T {
	items := q.items
	q.items = nil
	return items
}

// Requeue puts items back in front of whatever was queued since they were taken.
// The limit is not enforced so nothing already accepted is lost.
func (q *queue[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}
	q.items = append(append(make([]T, 0, len(items)+len(q.items)), items...), q.items...)
}

func (q *queue[T]) Len() int {
	return len(q.items)
}
