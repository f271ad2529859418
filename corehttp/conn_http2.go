package corehttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// http2Stream is the per-stream RequestAssembler plus the ResponseWriter
// bound to that stream's http2StreamWriter.
type http2Stream struct {
	id         uint32
	asm        *RequestAssembler
	writer     *ResponseWriter
	sendWindow int64 // bytes this stream may still send, per the peer's flow control
	resumeCh   chan struct{}
}

// http2Conn is the HTTP/2 ConnectionHandler: one read goroutine decoding
// frames off a golang.org/x/net/http2.Framer, one write goroutine
// serializing every outbound frame (including HPACK-encoded header
// blocks, which share one dynamic table for the connection's lifetime),
// and one request-handling goroutine per stream, coordinated by an
// HTTP2StreamTracker.
type http2Conn struct {
	server   *Server
	conn     net.Conn
	id       int64
	handlers []Handler

	framer  *http2.Framer
	henc    *hpack.Encoder
	hencBuf bytes.Buffer

	tracker *HTTP2StreamTracker

	mu      sync.Mutex
	streams map[uint32]*http2Stream

	// connSendWindow and peerInitialWindow track outbound flow control: the
	// Framer does no window bookkeeping of its own, so without this a large
	// response body could be written past what the peer has granted us and
	// get the connection killed with a flow control error. windowCh is
	// closed and replaced on every WINDOW_UPDATE, waking writers blocked in
	// acquireSendWindow.
	connSendWindow    int64
	peerInitialWindow uint32
	windowCh          chan struct{}

	streamWG sync.WaitGroup

	writeCh chan func()
	done    chan struct{}
	once    sync.Once

	readDone chan struct{}
}

func serveHTTP2Connection(server *Server, ci *ChannelInitializer, conn net.Conn, id int64) {
	defer conn.Close()

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(conn, preface); err != nil || string(preface) != http2.ClientPreface {
		return
	}

	c := &http2Conn{
		server:            server,
		conn:              conn,
		id:                id,
		handlers:          ci.instantiateHandlers(),
		framer:            http2.NewFramer(conn, conn),
		streams:           make(map[uint32]*http2Stream),
		connSendWindow:    http2DefaultWindowSize,
		peerInitialWindow: http2DefaultWindowSize,
		windowCh:          make(chan struct{}),
		writeCh:           make(chan func(), 16),
		done:              make(chan struct{}),
		readDone:          make(chan struct{}),
	}
	c.henc = hpack.NewEncoder(&c.hencBuf)
	c.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	c.tracker = NewHTTP2StreamTracker(func() {
		c.asyncWrite(func() error { return c.framer.WriteGoAway(0, http2.ErrCodeNo, nil) })
		conn.Close() // unblocks the read loop's framer.ReadFrame
		c.once.Do(func() { close(c.done) })
	})

	go c.writePump()

	// The Framer does no window bookkeeping of its own, so the receive
	// window a peer may fill is raised up front to cover a full streaming
	// buffer's worth of request body; onData hands each DATA frame's credit
	// back once the frame has been passed on.
	recvWindow := http2RecvWindowFor(server.config.MaxStreamingBufferSize)
	if err := c.syncWrite(func() error {
		if err := c.framer.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: recvWindow}); err != nil {
			return err
		}
		if recvWindow > http2DefaultWindowSize {
			return c.framer.WriteWindowUpdate(0, recvWindow-http2DefaultWindowSize)
		}
		return nil
	}); err != nil {
		c.once.Do(func() { close(c.done) })
		return
	}

	go c.readLoop()

	quiesceCh := server.quiesceCh
	select {
	case <-c.readDone:
	case <-quiesceCh:
		broadcast(c.handlers, EventQuiesce)
		c.tracker.Quiesce()
		<-c.readDone
	}

	c.streamWG.Wait()
	c.once.Do(func() { close(c.done) })
}

func (c *http2Conn) writePump() {
	for {
		select {
		case job := <-c.writeCh:
			job()
		case <-c.done:
			return
		}
	}
}

// asyncWrite enqueues a fire-and-forget write; any error it returns is
// only logged, since there is no in-flight caller waiting on it.
func (c *http2Conn) asyncWrite(fn func() error) {
	job := func() {
		if err := fn(); err != nil {
			c.server.logger.Debugf("conn %d: http2 write failed: %v", c.id, err)
		}
	}
	select {
	case c.writeCh <- job:
	case <-c.done:
	}
}

// syncWrite enqueues fn and blocks until it has run, for callers (a
// stream's WriteHead/WriteBodyChunk/WriteEnd) that need its error.
func (c *http2Conn) syncWrite(fn func() error) error {
	resultCh := make(chan error, 1)
	job := func() { resultCh <- fn() }
	select {
	case c.writeCh <- job:
		return <-resultCh
	case <-c.done:
		return &TransportError{Cause: net.ErrClosed}
	}
}

func (c *http2Conn) writeHeaders(streamID uint32, fields []hpack.HeaderField) error {
	return c.syncWrite(func() error {
		c.hencBuf.Reset()
		for _, f := range fields {
			if err := c.henc.WriteField(f); err != nil {
				return err
			}
		}
		return c.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: c.hencBuf.Bytes(),
			EndHeaders:    true,
		})
	})
}

// http2DefaultWindowSize is the flow-control window every HTTP/2
// connection and stream starts with before any SETTINGS or WINDOW_UPDATE
// changes it.
const http2DefaultWindowSize = 65535

// http2MaxWindowSize is the largest value a flow-control window may ever
// take, per the WINDOW_UPDATE increment's 31-bit range.
const http2MaxWindowSize = 1<<31 - 1

// http2RecvWindowFor picks the window we advertise to a peer for a new
// connection/stream: large enough to hold one full streaming buffer so a
// request body never needs mid-stream replenishment, capped at the
// protocol's hard ceiling.
func http2RecvWindowFor(maxStreamingBufferSize int64) uint32 {
	if maxStreamingBufferSize <= http2DefaultWindowSize {
		return http2DefaultWindowSize
	}
	if maxStreamingBufferSize > http2MaxWindowSize {
		return http2MaxWindowSize
	}
	return uint32(maxStreamingBufferSize)
}

func (c *http2Conn) writeData(streamID uint32, data []byte, endStream bool) error {
	if len(data) > 0 {
		if err := c.acquireSendWindow(streamID, len(data)); err != nil {
			return err
		}
	}
	return c.syncWrite(func() error { return c.framer.WriteData(streamID, endStream, data) })
}

// acquireSendWindow blocks until both the connection-level and the
// stream's own send window have at least n bytes available, then debits
// both. A stream that has already closed has nothing to debit against,
// so callers racing a reset simply proceed; the write itself will fail
// against the closed stream.
func (c *http2Conn) acquireSendWindow(streamID uint32, n int) error {
	need := int64(n)
	for {
		c.mu.Lock()
		st, ok := c.streams[streamID]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if c.connSendWindow >= need && st.sendWindow >= need {
			c.connSendWindow -= need
			st.sendWindow -= need
			c.mu.Unlock()
			return nil
		}
		wait := c.windowCh
		c.mu.Unlock()
		select {
		case <-wait:
		case <-c.done:
			return &TransportError{Cause: net.ErrClosed}
		}
	}
}

// onWindowUpdate credits a WINDOW_UPDATE frame to the connection-level
// window (StreamID 0) or to the named stream, and wakes every writer
// blocked in acquireSendWindow.
func (c *http2Conn) onWindowUpdate(f *http2.WindowUpdateFrame) {
	c.mu.Lock()
	if f.StreamID == 0 {
		c.connSendWindow += int64(f.Increment)
	} else if st, ok := c.streams[f.StreamID]; ok {
		st.sendWindow += int64(f.Increment)
	}
	close(c.windowCh)
	c.windowCh = make(chan struct{})
	c.mu.Unlock()
}

func (c *http2Conn) readLoop() {
	defer close(c.readDone)
	for {
		fr, err := c.framer.ReadFrame()
		if err != nil {
			return
		}
		switch f := fr.(type) {
		case *http2.MetaHeadersFrame:
			c.onHeaders(f)
		case *http2.DataFrame:
			c.onData(f)
		case *http2.SettingsFrame:
			if !f.IsAck() {
				_ = f.ForeachSetting(func(s http2.Setting) error {
					if s.ID == http2.SettingInitialWindowSize {
						c.mu.Lock()
						c.peerInitialWindow = s.Val
						c.mu.Unlock()
					}
					return nil
				})
				c.asyncWrite(func() error { return c.framer.WriteSettingsAck() })
			}
		case *http2.WindowUpdateFrame:
			c.onWindowUpdate(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				data := f.Data
				c.asyncWrite(func() error { return c.framer.WritePing(true, data) })
			}
		case *http2.RSTStreamFrame:
			c.onStreamReset(f.StreamID)
		case *http2.GoAwayFrame:
			return
		}
	}
}

func (c *http2Conn) onHeaders(f *http2.MetaHeadersFrame) {
	head := RequestHead{
		Proto:         "HTTP/2",
		Header:        http.Header{},
		ContentLength: -1,
		KeepAlive:     true, // HTTP/2 streams are not individually "keep-alive"; the connection outlives them
		RemoteAddr:    c.conn.RemoteAddr().String(),
	}
	for _, hf := range f.Fields {
		switch hf.Name {
		case ":method":
			head.Method = hf.Value
		case ":path":
			head.Target = hf.Value
		case ":authority":
			head.Host = hf.Value
		case ":scheme":
			// not tracked on RequestHead
		case "content-length":
			if n, err := strconv.ParseInt(hf.Value, 10, 64); err == nil {
				head.ContentLength = n
			}
			head.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		default:
			head.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
	}
	if head.ContentLength < 0 && f.StreamEnded() {
		head.ContentLength = 0
	}

	st := &http2Stream{id: f.StreamID, resumeCh: make(chan struct{}, 1)}
	st.writer = NewResponseWriter(&http2StreamWriter{conn: c, streamID: f.StreamID}, c.server.config.ServerName, false, c.server.config.OutboundHeaderValidation)
	st.asm = NewRequestAssembler(c.server.config.MaxUploadSize, func(req *HTTPRequest) {
		c.streamWG.Add(1)
		go c.handleRequest(st, req)
	})

	c.mu.Lock()
	st.sendWindow = int64(c.peerInitialWindow)
	c.streams[f.StreamID] = st
	c.mu.Unlock()
	c.tracker.StreamCreated()

	st.asm.OnHead(head)
	if f.StreamEnded() {
		st.asm.OnEnd()
	}
}

func (c *http2Conn) onData(f *http2.DataFrame) {
	// Return this frame's flow-control credit to the peer once it has been
	// handed on and any backpressure wait is over, so the receive windows
	// are replenished rather than used up for the connection's lifetime.
	defer func() {
		n, streamID, ended := f.Length, f.StreamID, f.StreamEnded()
		if n == 0 {
			return
		}
		c.asyncWrite(func() error {
			if err := c.framer.WriteWindowUpdate(0, n); err != nil || ended {
				return err
			}
			return c.framer.WriteWindowUpdate(streamID, n)
		})
	}()
	c.mu.Lock()
	st := c.streams[f.StreamID]
	c.mu.Unlock()
	if st == nil {
		return
	}
	if data := f.Data(); len(data) > 0 {
		st.asm.OnBody(append([]byte(nil), data...)) // Data()'s slice is only valid until the next ReadFrame
		waitForBackpressure(st.asm.ActiveStreamer(), c.server.config.MaxStreamingBufferSize, st.resumeCh)
	}
	if f.StreamEnded() {
		st.asm.OnEnd()
	}
}

func (c *http2Conn) onStreamReset(streamID uint32) {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	if ok {
		delete(c.streams, streamID)
	}
	c.mu.Unlock()
	if ok {
		st.asm.OnCodecError(&TransportError{Cause: errors.New("stream reset by peer")})
		c.tracker.StreamClosed()
	}
}

// handleRequest runs a Responder for one HTTP/2 stream's request and
// writes the response, independently of every other concurrently open
// stream on the same connection.
func (c *http2Conn) handleRequest(st *http2Stream, req *HTTPRequest) {
	defer func() {
		c.mu.Lock()
		delete(c.streams, st.id)
		c.mu.Unlock()
		c.tracker.StreamClosed()
		c.streamWG.Done()
	}()

	ctx := WithRequestContext(context.Background(), &RequestContext{
		ConnID: c.id, RequestID: int64(st.id), Logger: c.server.logger,
	})

	resp, err := invokeResponder(ctx, c.server.responder, req)
	if err != nil {
		resp = synthesizeErrorResponse(err, c.server.logger)
	}

	if _, werr := st.writer.Write(ctx, resp, req, true); werr != nil {
		c.server.logger.Debugf("conn %d stream %d: response write failed: %v", c.id, st.id, werr)
		c.asyncWrite(func() error { return c.framer.WriteRSTStream(st.id, http2.ErrCodeInternal) })
		return
	}

	// A request body streamer that ended in error may never have been
	// drained far enough by the Responder to notice; resetting the stream
	// after the fact, rather than leaving it cleanly closed, keeps this
	// case distinguishable from an ordinary completed exchange.
	if req.Body.Kind == BodyStreamed && req.Body.Streamer.TerminatedWithError() {
		c.asyncWrite(func() error { return c.framer.WriteRSTStream(st.id, http2.ErrCodeCancel) })
	}
}
