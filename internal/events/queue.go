package events

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Queue.Publish when the buffer has no room.
var ErrQueueFull = errors.New("publish queue is full")

// ErrQueueClosed is returned by Queue.Publish after Close.
var ErrQueueClosed = errors.New("publish queue is closed")

// Queue hands events to a slow publisher from a single background goroutine,
// so callers never wait on broker round trips. Events keep their order.
type Queue struct {
	next    Publisher
	timeout time.Duration
	l       *zap.Logger

	mu     sync.RWMutex
	closed bool
	events chan MergeEvent
	done   chan struct{}
}

// NewQueue starts delivering to next. Each delivery gets its own timeout.
func NewQueue(next Publisher, size int, timeout time.Duration, l *zap.Logger) *Queue {
	if size < 1 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if l == nil {
		l = zap.NewNop()
	}

	q := &Queue{
		next:    next,
		timeout: timeout,
		l:       l,
		events:  make(chan MergeEvent, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Publish enqueues the event without blocking. ctx is not used for delivery.
func (q *Queue) Publish(_ context.Context, event MergeEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- event:
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "drop batch %s", event.BatchID)
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for event := range q.events {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.next.Publish(ctx, event); err != nil {
			q.l.Warn("failed to deliver merge event",
				zap.String("batch_id", event.BatchID),
				zap.Uint64("version", event.Version),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits until the buffered ones are delivered.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	<-q.done
	return nil
}
