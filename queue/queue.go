// Package queue forwards values to a consumer channel from a dedicated pump
// goroutine so producers never block on a slow reader.
package queue

import "sync"

// Queue holds values until the pump hands them to out. Values for which
// droppable returns true are discarded once limit values are already
// waiting; every other value is kept until delivered or Close.
type Queue[T any] struct {
	out       chan<- T
	limit     int
	droppable func(T) bool

	mu      sync.Mutex
	items   []T
	closed  bool
	dropped uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New starts the pump. A nil droppable keeps every value.
func New[T any](out chan<- T, limit int, droppable func(T) bool) *Queue[T] {
	if droppable == nil {
		droppable = func(T) bool { return false }
	}
	q := &Queue[T]{
		out:       out,
		limit:     limit,
		droppable: droppable,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push enqueues v without blocking. It reports false when v was dropped or
// the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.limit > 0 && len(q.items) >= q.limit && q.droppable(v) {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of values waiting for the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many droppable values were discarded.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close rejects further pushes, offers what is still waiting to out without
// blocking and stops the pump. It does not close out.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	<-q.done
}

func (q *Queue[T]) pump() {
	defer close(q.done)
	for {
		v, ok := q.peek()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				q.flush()
				return
			}
		}

		select {
		case q.out <- v:
			q.pop()
		case <-q.stop:
			q.flush()
			return
		}
	}
}

func (q *Queue[T]) peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *Queue[T]) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
}

// flush hands over whatever fits in out right now.
func (q *Queue[T]) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		select {
		case q.out <- q.items[0]:
			q.items = q.items[1:]
		default:
			q.items = nil
			return
		}
	}
	q.items = nil
}
