package corehttp

import (
	"crypto/tls"
	"net/http"
)

// RequestHead is the parsed request line and headers, common to both
// HTTP/1.1 and HTTP/2.
type RequestHead struct {
	Method        string
	Target        string // path + query
	Proto         string // "HTTP/1.1" or "HTTP/2"
	Header        http.Header
	Host          string
	ContentLength int64 // -1 when unknown (chunked / no length given)
	KeepAlive     bool  // eligible for keep-alive per headers + protocol version
	RemoteAddr    string
	TLS           *tls.ConnectionState // not filled in by this package's connection handlers; always nil
}

// BodyKind tags which variant of RequestBody is populated.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyBuffered
	BodyStreamed
)

// RequestBody is the request-body union described by the data model:
// Buffered(bytes) | Streamed(ByteStreamer) | Empty.
type RequestBody struct {
	Kind     BodyKind
	Buffered []byte
	Streamer *ByteStreamer
}

// HTTPRequest is the uniform request representation handed to a
// Responder. A request whose Body.Kind is BodyStreamed retains the same
// ByteStreamer for its entire lifetime; the body may be consumed at most
// once.
type HTTPRequest struct {
	Head RequestHead
	Body RequestBody
}

// IsKeepAlive reports whether the request is eligible for a persistent
// connection, as determined at parse time.
func (r *HTTPRequest) IsKeepAlive() bool { return r.Head.KeepAlive }

// asmState enumerates RequestAssembler's states.
type asmState int

const (
	asmIdle asmState = iota
	asmHead
	asmBody
	asmStreaming
	asmError
)

// RequestAssembler translates a codec's head/body/end event stream into
// exactly one HTTPRequest per request cycle, promoting to a streamed body
// the moment a request has two or more body chunks.
type RequestAssembler struct {
	state asmState

	head       RequestHead
	firstChunk []byte
	streamer   *ByteStreamer

	propagatedErr error

	maxUploadSize int64
	deliver       func(*HTTPRequest)
}

// NewRequestAssembler builds a RequestAssembler that calls deliver exactly
// once per completed request cycle (i.e. once per HTTPRequest value, not
// once per body chunk).
func NewRequestAssembler(maxUploadSize int64, deliver func(*HTTPRequest)) *RequestAssembler {
	return &RequestAssembler{maxUploadSize: maxUploadSize, deliver: deliver}
}

// OnHead feeds a parsed request head into the state machine.
func (a *RequestAssembler) OnHead(head RequestHead) {
	switch a.state {
	case asmIdle:
		a.head = head
		a.state = asmHead
	case asmError:
		// A propagated error has not yet been surfaced to a request cycle;
		// stay in Error until OnEnd resets us, per the state table.
	default:
		bugf("RequestAssembler.OnHead called while in state %d", a.state)
	}
}

// OnBody feeds one body chunk as delivered by the codec.
func (a *RequestAssembler) OnBody(chunk []byte) {
	switch a.state {
	case asmHead:
		a.firstChunk = chunk
		a.state = asmBody
	case asmBody:
		streamer := NewByteStreamer(a.maxUploadSize)
		streamer.Feed(a.firstChunk)
		streamer.Feed(chunk)
		a.firstChunk = nil
		a.streamer = streamer
		a.state = asmStreaming
		a.deliver(&HTTPRequest{Head: a.head, Body: RequestBody{Kind: BodyStreamed, Streamer: streamer}})
	case asmStreaming:
		a.streamer.Feed(chunk)
	case asmError:
		// ignore; propagatedErr stays stashed for TakePropagatedError
	default:
		bugf("RequestAssembler.OnBody called while in state %d", a.state)
	}
}

// OnEnd feeds the end-of-request marker from the codec.
func (a *RequestAssembler) OnEnd() {
	switch a.state {
	case asmHead:
		a.state = asmIdle
		a.deliver(&HTTPRequest{Head: a.head, Body: RequestBody{Kind: BodyEmpty}})
	case asmBody:
		buf := a.firstChunk
		a.firstChunk = nil
		a.state = asmIdle
		a.deliver(&HTTPRequest{Head: a.head, Body: RequestBody{Kind: BodyBuffered, Buffered: buf}})
	case asmStreaming:
		a.streamer.FeedEnd()
		a.streamer = nil
		a.state = asmIdle
	case asmError:
		a.state = asmIdle
	default:
		bugf("RequestAssembler.OnEnd called while in state %d", a.state)
	}
}

// OnCodecError reports a codec-level parse or transport failure. If a
// streamed body is in flight, the error is fed into its ByteStreamer so
// the responder observes it on its next Consume; otherwise the error is
// stashed as propagatedErr, retrievable through TakePropagatedError, and
// the assembler stays in Error until the next OnEnd. The connection
// handlers in this package do not read the stashed error: http1Conn
// reports codec errors through its own event channel (writing the 400
// auto-reply from there) and then closes the connection.
func (a *RequestAssembler) OnCodecError(err error) {
	if a.state == asmStreaming {
		a.streamer.FeedError(err)
		a.streamer = nil
		a.state = asmIdle
		return
	}
	a.propagatedErr = err
	a.state = asmError
}

// TakePropagatedError returns and clears any stashed codec-level error.
func (a *RequestAssembler) TakePropagatedError() error {
	err := a.propagatedErr
	a.propagatedErr = nil
	return err
}

// ActiveStreamer returns the ByteStreamer backing the request body
// currently being streamed, or nil if none is active. A connection's
// read loop uses this to apply backpressure once the streamer has
// buffered more than it should.
func (a *RequestAssembler) ActiveStreamer() *ByteStreamer {
	return a.streamer
}
