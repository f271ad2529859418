package corehttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTP2StreamTracker_ClosesImmediatelyWhenIdle(t *testing.T) {
	closed := 0
	tr := NewHTTP2StreamTracker(func() { closed++ })

	tr.Quiesce()
	assert.Equal(t, http2Closing, tr.State())
	assert.Equal(t, 1, closed)
}

func TestHTTP2StreamTracker_WaitsForOpenStreams(t *testing.T) {
	closed := 0
	tr := NewHTTP2StreamTracker(func() { closed++ })

	tr.StreamCreated()
	tr.StreamCreated()
	tr.Quiesce()
	assert.Equal(t, http2Quiescing, tr.State())
	assert.Equal(t, 0, closed)

	tr.StreamClosed()
	assert.Equal(t, http2Quiescing, tr.State())
	assert.Equal(t, 0, closed, "must not close until every stream has closed")

	tr.StreamClosed()
	assert.Equal(t, http2Closing, tr.State())
	assert.Equal(t, 1, closed)
}

func TestHTTP2StreamTracker_CloseIsIdempotent(t *testing.T) {
	closed := 0
	tr := NewHTTP2StreamTracker(func() { closed++ })

	tr.Quiesce()
	tr.Quiesce()
	tr.IdleRead()
	tr.IdleWrite()

	assert.Equal(t, 1, closed)
	assert.Equal(t, http2Closing, tr.State())
}

func TestHTTP2StreamTracker_IdleReadClosesOnlyWithOpenStreams(t *testing.T) {
	closed := 0
	tr := NewHTTP2StreamTracker(func() { closed++ })

	tr.IdleRead() // no streams open: nothing to read for, so this is a no-op
	assert.Equal(t, 0, closed)
	assert.Equal(t, http2Active, tr.State())

	tr.StreamCreated()
	tr.IdleRead()
	assert.Equal(t, 1, closed)
	assert.Equal(t, http2Closing, tr.State())
}

func TestHTTP2StreamTracker_IdleWriteClosesOnlyWithoutOpenStreams(t *testing.T) {
	closed := 0
	tr := NewHTTP2StreamTracker(func() { closed++ })

	tr.StreamCreated()
	tr.IdleWrite() // a stream is still open; must not cut it off mid-response
	assert.Equal(t, 0, closed)
	assert.Equal(t, http2Active, tr.State())

	tr.StreamClosed()
	tr.IdleWrite()
	assert.Equal(t, 1, closed)
	assert.Equal(t, http2Closing, tr.State())
}
