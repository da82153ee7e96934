package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same FIFO and fan-out
// semantics as RedisQueue. It backs tests and single-binary embedded
// deployments where no Redis is available.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][][]byte
	conds  map[string]*sync.Cond
	subs   map[string][]chan []byte
	closed bool
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string][][]byte),
		conds:  make(map[string]*sync.Cond),
		subs:   make(map[string][]chan []byte),
	}
}

func (q *MemoryQueue) cond(queue string) *sync.Cond {
	c, ok := q.conds[queue]
	if !ok {
		c = sync.NewCond(&q.mu)
		q.conds[queue] = c
	}
	return c
}

func (q *MemoryQueue) Push(ctx context.Context, queue string, item []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrUnavailable
	}
	cp := make([]byte, len(item))
	copy(cp, item)
	q.queues[queue] = append(q.queues[queue], cp)
	q.cond(queue).Signal()
	return nil
}

func (q *MemoryQueue) PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, false, ErrUnavailable
		}
		if items := q.queues[queue]; len(items) > 0 {
			head := items[0]
			q.queues[queue] = items[1:]
			return head, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return nil, false, nil
		}

		// Wake the waiter when either the timeout or the context
		// expires; Cond has no deadline support of its own.
		c := q.cond(queue)
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			c.Broadcast()
			q.mu.Unlock()
		})
		c.Wait()
		timer.Stop()
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, channel string, msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrUnavailable
	}
	for _, sub := range q.subs[channel] {
		cp := make([]byte, len(msg))
		copy(cp, msg)
		select {
		case sub <- cp:
		default:
			// Slow subscriber: drop, same as the Redis path.
		}
	}
	return nil
}

func (q *MemoryQueue) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil, ErrUnavailable
	}
	ch := make(chan []byte, 64)
	q.subs[channel] = append(q.subs[channel], ch)

	stop := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		subs := q.subs[channel]
		for i, s := range subs {
			if s == ch {
				q.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, stop, nil
}

func (q *MemoryQueue) Length(ctx context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrUnavailable
	}
	return int64(len(q.queues[queue])), nil
}

func (q *MemoryQueue) Peek(ctx context.Context, queue string, n int64) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrUnavailable
	}
	items := q.queues[queue]
	if n > int64(len(items)) {
		n = int64(len(items))
	}
	out := make([][]byte, 0, n)
	for _, item := range items[:n] {
		cp := make([]byte, len(item))
		copy(cp, item)
		out = append(out, cp)
	}
	return out, nil
}

func (q *MemoryQueue) Clear(ctx context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrUnavailable
	}
	n := int64(len(q.queues[queue]))
	delete(q.queues, queue)
	return n, nil
}

// Close fails all subsequent operations with ErrUnavailable and wakes
// any blocked consumers. Used to simulate backend loss in tests.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, c := range q.conds {
		c.Broadcast()
	}
	for _, subs := range q.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	q.subs = make(map[string][]chan []byte)
}
