package corehttp

import (
	"context"
	"io"
	"net"
	"sync/atomic"
)

// http1Event is what the read loop hands the process loop: either a
// completed HTTPRequest, or a codec-level error that ends the connection.
// Bundling both into one channel keeps response writes strictly ordered
// behind the single process-loop goroutine.
type http1Event struct {
	req *HTTPRequest
	err error
}

// http1Conn is the HTTP/1.1 ConnectionHandler: a read/accumulate goroutine
// feeding a RequestAssembler, and this connection's own goroutine acting
// as the sequential request-processing/response-writing loop. Splitting
// the two is what lets a streamed request body keep draining off the wire
// while the responder is still consuming earlier chunks of it.
type http1Conn struct {
	server   *Server
	codec    *http1Codec
	conn     net.Conn
	id       int64
	handlers []Handler

	respWriter *ResponseWriter

	requestsInProgress        atomic.Int32
	closeAfterResponseWritten atomic.Bool

	events   chan http1Event
	resumeCh chan struct{}
}

func serveHTTP1Connection(server *Server, ci *ChannelInitializer, conn net.Conn, id int64) {
	defer conn.Close()

	c := &http1Conn{
		server:   server,
		codec:    newHTTP1Codec(conn),
		conn:     conn,
		id:       id,
		handlers: ci.instantiateHandlers(),
		events:   make(chan http1Event, 1),
		resumeCh: make(chan struct{}, 1),
	}
	c.respWriter = NewResponseWriter(c.codec, server.config.ServerName, true, server.config.OutboundHeaderValidation)

	asm := NewRequestAssembler(server.config.MaxUploadSize, func(req *HTTPRequest) {
		c.requestsInProgress.Add(1)
		c.events <- http1Event{req: req}
	})

	go c.readLoop(asm)

	quiesceCh := server.quiesceCh
	for {
		select {
		case ev, open := <-c.events:
			if !open {
				return
			}
			if ev.err != nil {
				c.writeCodecError(ev.err)
				return
			}
			if c.processOne(context.Background(), ev.req) {
				return
			}
		case <-quiesceCh:
			quiesceCh = nil // disable this case; a closed channel would spin the select forever
			broadcast(c.handlers, EventQuiesce)
			if c.requestsInProgress.Load() == 0 {
				return
			}
			c.closeAfterResponseWritten.Store(true)
		}
	}
}

// readLoop parses request heads and bodies off the wire and drives asm,
// which in turn invokes the deliver callback that enqueues an http1Event.
// It exits (closing c.events) on a clean EOF between requests or on any
// codec-level error, which it reports as a final http1Event first.
func (c *http1Conn) readLoop(asm *RequestAssembler) {
	defer close(c.events)
	for {
		head, err := c.codec.ReadHead()
		if err != nil {
			if err == io.EOF {
				return
			}
			c.events <- http1Event{err: classifyHeadErr(err)}
			return
		}
		asm.OnHead(head)

		body := c.codec.newBodyReader(head)
		var bodyErr error
		for body.hasBody() {
			chunk, ok, err := body.Next()
			if err != nil {
				bodyErr = err
				break
			}
			if !ok {
				break
			}
			asm.OnBody(chunk)
			waitForBackpressure(asm.ActiveStreamer(), c.server.config.MaxStreamingBufferSize, c.resumeCh)
		}
		if bodyErr != nil {
			asm.OnCodecError(bodyErr)
			c.events <- http1Event{err: bodyErr}
			return
		}
		asm.OnEnd()

		if !head.KeepAlive {
			return
		}
	}
}

func classifyHeadErr(err error) error {
	switch err.(type) {
	case *MalformedRequestError, *TransportError:
		return err
	default:
		return &TransportError{Cause: err}
	}
}

// writeCodecError auto-replies 400 to a malformed request when configured
// to do so; transport-level failures have nothing useful to write to, so
// the connection is simply closed.
func (c *http1Conn) writeCodecError(err error) {
	mre, ok := err.(*MalformedRequestError)
	if !ok || !c.server.config.HTTPErrorHandling {
		return
	}
	_, _ = c.respWriter.Write(context.Background(), malformedRequestResponse(mre), nil, false)
}

// processOne invokes the Responder for one delivered request, writes its
// response, and decides whether the connection stays open afterward.
func (c *http1Conn) processOne(ctx context.Context, req *HTTPRequest) (closeConn bool) {
	inProgress := c.requestsInProgress.Load()
	defer c.requestsInProgress.Add(-1)

	rc := &RequestContext{ConnID: c.id, Logger: c.server.logger}
	ctx = WithRequestContext(ctx, rc)

	resp, err := invokeResponder(ctx, c.server.responder, req)
	if err != nil {
		resp = synthesizeErrorResponse(err, c.server.logger)
	}

	keepAlive := computeKeepAlive(req, c.closeAfterResponseWritten.Load(), inProgress)
	mustClose, werr := c.respWriter.Write(ctx, resp, req, keepAlive)
	if werr != nil {
		c.server.logger.Debugf("conn %d: response write failed: %v", c.id, werr)
		return true
	}
	return mustClose
}
