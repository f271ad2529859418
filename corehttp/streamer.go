package corehttp

import (
	"context"
	"sync"
)

// ChunkKind distinguishes the three possibilities a ByteStreamer consumer
// can observe.
type ChunkKind int

const (
	ChunkBytes ChunkKind = iota
	ChunkEnd
	ChunkErr
)

// Chunk is one element of a ByteStreamer's delivery sequence.
type Chunk struct {
	Kind  ChunkKind
	Bytes []byte
	Err   error
}

// ByteStreamer is a single-producer/single-consumer lazy byte-chunk queue.
// It is the backing store for streaming request bodies: the connection's
// read side feeds it as bytes arrive off the wire, and the responder
// consumes it at most once, in order.
//
// A ByteStreamer is safe for concurrent use by exactly one producer
// goroutine and one consumer goroutine at a time, per the single-producer/
// single-consumer contract; it uses a mutex internally only to hand data
// between those two goroutines; it is not a general-purpose concurrent
// queue.
type ByteStreamer struct {
	maxSize int64

	mu           sync.Mutex
	queue        []Chunk
	bufferedSize int64
	totalFed     int64
	terminated   bool      // true once an End or Error chunk has been queued
	termKind     ChunkKind // valid once terminated is true
	termSeen     bool      // true once the consumer has observed the terminator
	term         Chunk

	onConsume func()

	changed chan struct{} // closed and replaced whenever new state is available
}

// NewByteStreamer creates a ByteStreamer that fails with
// PayloadTooLargeError once more than maxSize bytes have been fed into it
// over its lifetime.
func NewByteStreamer(maxSize int64) *ByteStreamer {
	return &ByteStreamer{
		maxSize: maxSize,
		changed: make(chan struct{}),
	}
}

// SetOnConsume installs the callback invoked, on the consumer's
// goroutine, immediately after a Bytes chunk has been dequeued. The
// ConnectionHandler uses this to resume paused transport reads once the
// buffered size drops back below its backpressure threshold.
func (s *ByteStreamer) SetOnConsume(fn func()) {
	s.mu.Lock()
	s.onConsume = fn
	s.mu.Unlock()
}

// BufferedSize returns the number of Bytes currently queued but not yet
// delivered to the consumer.
func (s *ByteStreamer) BufferedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferedSize
}

// Feed appends buf to the queue. If doing so would push the stream's
// lifetime-fed byte count above maxSize, a PayloadTooLargeError terminator
// is queued instead and the stream is marked terminated; buf itself is
// discarded in that case. Feed after termination is a no-op, per the
// "exactly one terminator" invariant.
func (s *ByteStreamer) Feed(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	if s.totalFed+int64(len(buf)) > s.maxSize {
		s.enqueueTerm(Chunk{Kind: ChunkErr, Err: &PayloadTooLargeError{Limit: s.maxSize}})
		return
	}
	if len(buf) == 0 {
		return
	}
	s.totalFed += int64(len(buf))
	s.bufferedSize += int64(len(buf))
	s.queue = append(s.queue, Chunk{Kind: ChunkBytes, Bytes: buf})
	s.wake()
}

// FeedEnd queues the end-of-stream terminator. A no-op if already terminated.
func (s *ByteStreamer) FeedEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.enqueueTerm(Chunk{Kind: ChunkEnd})
}

// FeedError queues an error terminator, e.g. a TransportError observed on
// the read side mid-body. A no-op if already terminated.
func (s *ByteStreamer) FeedError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.enqueueTerm(Chunk{Kind: ChunkErr, Err: err})
}

// enqueueTerm must be called with s.mu held.
func (s *ByteStreamer) enqueueTerm(term Chunk) {
	s.terminated = true
	s.termKind = term.Kind
	s.queue = append(s.queue, term)
	s.wake()
}

// TerminatedWithError reports whether the stream's terminator is (or
// will be, once dequeued) an error chunk, without blocking or consuming
// it. Used to decide whether a connection must close even though the
// consumer hasn't necessarily drained the streamer yet.
func (s *ByteStreamer) TerminatedWithError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated && s.termKind == ChunkErr
}

func (s *ByteStreamer) wake() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Consume completes with the next chunk, blocking until one is available
// or ctx is done. Once the terminator (End or Error) has been delivered,
// every subsequent call returns that same terminator again rather than
// blocking, satisfying the "exactly one terminator is ever delivered"
// invariant at the call-site level (the caller sees it repeat, not a
// second distinct terminator).
func (s *ByteStreamer) Consume(ctx context.Context) (Chunk, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			var onConsume func()
			if c.Kind == ChunkBytes {
				s.bufferedSize -= int64(len(c.Bytes))
				onConsume = s.onConsume
			} else {
				s.termSeen = true
				s.term = c
			}
			s.mu.Unlock()
			if onConsume != nil {
				onConsume()
			}
			return c, nil
		}
		if s.termSeen {
			term := s.term
			s.mu.Unlock()
			return term, nil
		}
		wait := s.changed
		s.mu.Unlock()
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// Drop drains the stream, discarding remaining chunks until the
// terminator is observed. The ConnectionHandler calls this after a
// response has been fully written but the request body was not fully
// consumed by the responder.
func (s *ByteStreamer) Drop(ctx context.Context) {
	for {
		c, err := s.Consume(ctx)
		if err != nil || c.Kind != ChunkBytes {
			return
		}
	}
}
