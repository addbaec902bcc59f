package stream

// queue is an unbounded FIFO. It is not safe for concurrent use.
type queue[T any] struct {
	items []T
	head  int
}

func (q *queue[T]) push(item T) {
	q.items = append(q.items, item)
}

func (q *queue[T]) pop() (T, bool) {
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		// reuse the backing array once everything has been consumed
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

func (q *queue[T]) len() int {
	return len(q.items) - q.head
}

func (q *queue[T]) clear() int {
	n := q.len()
	q.items = nil
	q.head = 0
	return n
}
