package corehttp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestAssembler_EmptyBody(t *testing.T) {
	var delivered *HTTPRequest
	asm := NewRequestAssembler(1024, func(r *HTTPRequest) { delivered = r })

	asm.OnHead(RequestHead{Method: "GET", Target: "/"})
	asm.OnEnd()

	require.NotNil(t, delivered)
	assert.Equal(t, BodyEmpty, delivered.Body.Kind)
}

func TestRequestAssembler_SingleChunkIsBuffered(t *testing.T) {
	var delivered *HTTPRequest
	asm := NewRequestAssembler(1024, func(r *HTTPRequest) { delivered = r })

	asm.OnHead(RequestHead{Method: "POST", Target: "/"})
	asm.OnBody([]byte("payload"))
	asm.OnEnd()

	require.NotNil(t, delivered)
	assert.Equal(t, BodyBuffered, delivered.Body.Kind)
	assert.Equal(t, "payload", string(delivered.Body.Buffered))
}

func TestRequestAssembler_SecondChunkPromotesToStreamed(t *testing.T) {
	var delivered *HTTPRequest
	deliverCount := 0
	asm := NewRequestAssembler(1024, func(r *HTTPRequest) {
		delivered = r
		deliverCount++
	})

	asm.OnHead(RequestHead{Method: "POST", Target: "/"})
	asm.OnBody([]byte("first"))
	// deliver must not fire until a second chunk arrives
	assert.Nil(t, delivered)

	asm.OnBody([]byte("second"))
	require.NotNil(t, delivered)
	assert.Equal(t, 1, deliverCount, "deliver fires exactly once per request cycle")
	assert.Equal(t, BodyStreamed, delivered.Body.Kind)

	streamer := delivered.Body.Streamer
	c1, err := streamer.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", string(c1.Bytes))

	asm.OnBody([]byte("third"))
	c2, err := streamer.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", string(c2.Bytes))

	asm.OnEnd()
	c3, err := streamer.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "third", string(c3.Bytes))
	c4, err := streamer.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ChunkEnd, c4.Kind)
}

func TestRequestAssembler_CodecErrorBeforeHeadIsPropagated(t *testing.T) {
	asm := NewRequestAssembler(1024, func(*HTTPRequest) {
		t.Fatal("deliver must not fire for a malformed request")
	})

	asm.OnCodecError(&MalformedRequestError{Detail: "bad request line"})
	err := asm.TakePropagatedError()
	require.Error(t, err)
	var mre *MalformedRequestError
	assert.ErrorAs(t, err, &mre)

	// TakePropagatedError clears it; a second call finds nothing.
	assert.Nil(t, asm.TakePropagatedError())
}

func TestRequestAssembler_CodecErrorMidStreamFeedsStreamer(t *testing.T) {
	var delivered *HTTPRequest
	asm := NewRequestAssembler(1024, func(r *HTTPRequest) { delivered = r })

	asm.OnHead(RequestHead{Method: "POST", Target: "/"})
	asm.OnBody([]byte("a"))
	asm.OnBody([]byte("b")) // promotes to streamed, delivers
	require.NotNil(t, delivered)

	transportErr := &TransportError{Cause: assert.AnError}
	asm.OnCodecError(transportErr)

	streamer := delivered.Body.Streamer
	_, _ = streamer.Consume(context.Background()) // "a"
	_, _ = streamer.Consume(context.Background()) // "b"
	term, err := streamer.Consume(context.Background())
	require.NoError(t, err)
	require.Equal(t, ChunkErr, term.Kind)
	assert.Same(t, transportErr, term.Err)
}

func TestRequestAssembler_ResetsToIdleAfterEachCycle(t *testing.T) {
	count := 0
	asm := NewRequestAssembler(1024, func(*HTTPRequest) { count++ })

	asm.OnHead(RequestHead{Method: "GET", Target: "/a"})
	asm.OnEnd()
	asm.OnHead(RequestHead{Method: "GET", Target: "/b"})
	asm.OnEnd()

	assert.Equal(t, 2, count)
}
