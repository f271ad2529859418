package corehttp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteStreamer_FeedAndConsumeInOrder(t *testing.T) {
	s := NewByteStreamer(1024)
	s.Feed([]byte("hello "))
	s.Feed([]byte("world"))
	s.FeedEnd()

	ctx := context.Background()

	c1, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkBytes, c1.Kind)
	assert.Equal(t, "hello ", string(c1.Bytes))

	c2, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", string(c2.Bytes))

	c3, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkEnd, c3.Kind)
}

func TestByteStreamer_TerminatorRepeatsOnceObserved(t *testing.T) {
	s := NewByteStreamer(1024)
	s.FeedEnd()

	ctx := context.Background()
	first, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkEnd, first.Kind)

	// Calling Consume again after the terminator has been seen must
	// return the same terminator again, not block.
	second, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkEnd, second.Kind)
}

func TestByteStreamer_FeedAfterTerminationIsNoOp(t *testing.T) {
	s := NewByteStreamer(1024)
	s.FeedEnd()
	s.Feed([]byte("too late"))

	ctx := context.Background()
	c, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkEnd, c.Kind)
	assert.Zero(t, s.BufferedSize())
}

func TestByteStreamer_PayloadTooLarge(t *testing.T) {
	s := NewByteStreamer(10)
	s.Feed([]byte("0123456789")) // exactly at the limit: fine
	s.Feed([]byte("x"))          // pushes over: becomes the terminator

	ctx := context.Background()
	c1, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkBytes, c1.Kind)

	c2, err := s.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, ChunkErr, c2.Kind)
	var tooLarge *PayloadTooLargeError
	assert.ErrorAs(t, c2.Err, &tooLarge)
}

func TestByteStreamer_BlocksUntilFed(t *testing.T) {
	s := NewByteStreamer(1024)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan Chunk, 1)
	go func() {
		c, _ := s.Consume(context.Background())
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("Consume returned before any data was fed")
	case <-ctx.Done():
	}

	s.Feed([]byte("late"))
	select {
	case c := <-done:
		assert.Equal(t, "late", string(c.Bytes))
	case <-time.After(time.Second):
		t.Fatal("Consume never woke up after Feed")
	}
}

func TestByteStreamer_OnConsumeFiresAfterBytesChunk(t *testing.T) {
	s := NewByteStreamer(1024)
	fired := 0
	s.SetOnConsume(func() { fired++ })

	s.Feed([]byte("a"))
	s.FeedEnd()

	ctx := context.Background()
	_, err := s.Consume(ctx) // Bytes chunk
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	_, err = s.Consume(ctx) // End chunk: onConsume must not fire again
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestByteStreamer_Drop(t *testing.T) {
	s := NewByteStreamer(1024)
	s.Feed([]byte("a"))
	s.Feed([]byte("b"))
	s.FeedEnd()

	s.Drop(context.Background())
	assert.Zero(t, s.BufferedSize())

	c, err := s.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ChunkEnd, c.Kind)
}
