package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, "signals", []byte(fmt.Sprintf("e%d", i))))
	}

	n, err := q.Length(ctx, "signals")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	for i := 0; i < 5; i++ {
		item, ok, err := q.PopBlocking(ctx, "signals", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("e%d", i), string(item))
	}
}

func TestMemoryQueue_PopTimeout(t *testing.T) {
	q := NewMemoryQueue()
	start := time.Now()
	item, ok, err := q.PopBlocking(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, item)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_PopWakesOnPush(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		item, ok, err := q.PopBlocking(ctx, "signals", 5*time.Second)
		if err == nil && ok {
			done <- string(item)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(ctx, "signals", []byte("late")))

	select {
	case got := <-done:
		assert.Equal(t, "late", got)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked pop never woke up after push")
	}
}

func TestMemoryQueue_ConcurrentProducers(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(ctx, "signals", []byte(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	n, err := q.Length(ctx, "signals")
	require.NoError(t, err)
	assert.Equal(t, int64(producers*perProducer), n)

	// Single consumer drains everything exactly once.
	seen := make(map[string]bool)
	for i := 0; i < producers*perProducer; i++ {
		item, ok, err := q.PopBlocking(ctx, "signals", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, seen[string(item)], "duplicate delivery: %s", item)
		seen[string(item)] = true
	}
}

func TestMemoryQueue_PeekDoesNotRemove(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "signals", []byte("a")))
	require.NoError(t, q.Push(ctx, "signals", []byte("b")))
	require.NoError(t, q.Push(ctx, "signals", []byte("c")))

	items, err := q.Peek(ctx, "signals", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", string(items[0]))
	assert.Equal(t, "b", string(items[1]))

	n, err := q.Length(ctx, "signals")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Peek past the end returns what exists.
	items, err = q.Peek(ctx, "signals", 10)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestMemoryQueue_Clear(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(ctx, "signals", []byte("x")))
	}
	removed, err := q.Clear(ctx, "signals")
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	n, err := q.Length(ctx, "signals")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryQueue_PubSub(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	ch, stop, err := q.Subscribe(ctx, "agent_events")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, q.Publish(ctx, "agent_events", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("subscriber never received published message")
	}
}

func TestMemoryQueue_PublishWithoutSubscribers(t *testing.T) {
	q := NewMemoryQueue()
	// At-most-once: nobody listening, message is simply lost.
	assert.NoError(t, q.Publish(context.Background(), "agent_events", []byte("void")))
}

func TestMemoryQueue_ClosedBackend(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Close()

	err := q.Push(ctx, "signals", []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, _, err = q.PopBlocking(ctx, "signals", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = q.Length(ctx, "signals")
	assert.ErrorIs(t, err, ErrUnavailable)
}
