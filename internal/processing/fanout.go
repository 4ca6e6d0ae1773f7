package processing

import (
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/metrics"
)

// Queue is a bounded FIFO with an edge triggered ready notification. Any
// number of puts before the consumer reacts leave a single notification.
type Queue[T any] struct {
	name  string
	items chan T
	ready chan struct{}
}

func NewQueue[T any](name string, capacity int) *Queue[T] {
	return &Queue[T]{
		name:  name,
		items: make(chan T, capacity),
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) Name() string { return q.name }
func (q *Queue[T]) Len() int     { return len(q.items) }
func (q *Queue[T]) Cap() int     { return cap(q.items) }

// TryPut never blocks.
func (q *Queue[T]) TryPut(v T) bool {
	select {
	case q.items <- v:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready fires once per batch of puts. Consumers must drain fully after it fires.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case v := <-q.items:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Drain calls fn for every queued item and returns how many there were.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.TryGet()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// Fanout copies every published item into each registered queue. A full
// queue loses that item, the producer never waits.
type Fanout[T any] struct {
	queues  []*Queue[T]
	clone   func(T) T
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewFanout[T any](clone func(T) T, logger *zap.Logger, m *metrics.Metrics, queues ...*Queue[T]) *Fanout[T] {
	return &Fanout[T]{
		queues:  queues,
		clone:   clone,
		logger:  logger,
		metrics: m,
	}
}

func (f *Fanout[T]) Queues() []*Queue[T] {
	return f.queues
}

// Publish returns the number of queues that accepted v.
func (f *Fanout[T]) Publish(v T) int {
	delivered := make([]*Queue[T], 0, len(f.queues))
	for _, q := range f.queues {
		item := v
		if f.clone != nil {
			item = f.clone(v)
		}
		if !q.TryPut(item) {
			f.logger.Warn("[fanout] queue full, dropping item", zap.String("queue", q.Name()), zap.Int("capacity", q.Cap()))
			f.metrics.QueueDrop(q.Name())
			continue
		}
		delivered = append(delivered, q)
	}

	// notify only once the whole pass is done
	for _, q := range delivered {
		q.notify()
	}
	return len(delivered)
}
