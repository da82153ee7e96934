// Package queue provides the durable FIFO queue and the non-durable
// fan-out channel shared by all telemetry producers and the single
// consumer loop.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the queue backend could not be reached. It is
// the only producer-visible hard failure on the ingest path.
var ErrUnavailable = errors.New("queue: backend unavailable")

// Queue is the contract shared by the Redis-backed queue and the
// in-process queue used for tests and embedded deployments.
//
// Push and PopBlocking are safe under concurrent multi-producer,
// single-consumer access. Publish is at-most-once: subscribers that are
// not currently listening miss the message, which is acceptable because
// fan-out is an optimization over the durable queue, not the primary
// delivery path.
type Queue interface {
	// Push appends item to the tail of the named queue. Non-blocking.
	Push(ctx context.Context, queue string, item []byte) error

	// PopBlocking removes and returns the head of the named queue,
	// waiting up to timeout. ok is false when the wait expired empty.
	PopBlocking(ctx context.Context, queue string, timeout time.Duration) (item []byte, ok bool, err error)

	// Publish broadcasts msg to current subscribers of channel.
	Publish(ctx context.Context, channel string, msg []byte) error

	// Subscribe returns a receive channel for messages on channel and a
	// stop function that releases the subscription.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Length reports the number of items in the named queue.
	Length(ctx context.Context, queue string) (int64, error)

	// Peek returns up to n items from the head without removing them.
	Peek(ctx context.Context, queue string, n int64) ([][]byte, error)

	// Clear drains the named queue and reports how many items were
	// removed.
	Clear(ctx context.Context, queue string) (int64, error)
}
