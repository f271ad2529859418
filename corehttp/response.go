package corehttp

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// ResponseHead is the status line and headers of a response.
type ResponseHead struct {
	Status int
	Header http.Header
}

// ResponseBodyKind tags which variant of ResponseBody is populated.
type ResponseBodyKind int

const (
	RespEmpty ResponseBodyKind = iota
	RespBuffered
	RespStreamed
)

// BodyProducer yields successive response-body chunks. Next returns
// io.EOF (with a nil chunk) once the body is exhausted.
type BodyProducer interface {
	Next(ctx context.Context) ([]byte, error)
}

// ResponseBody is the response-body union: Buffered(bytes) | Streamed(Producer) | Empty.
type ResponseBody struct {
	Kind     ResponseBodyKind
	Buffered []byte
	Producer BodyProducer
}

// HTTPResponse is what a Responder returns.
type HTTPResponse struct {
	Head ResponseHead
	Body ResponseBody
}

// NewEmptyResponse builds a response with no body.
func NewEmptyResponse(status int) *HTTPResponse {
	return &HTTPResponse{Head: ResponseHead{Status: status, Header: http.Header{}}}
}

// NewBufferedResponse builds a response whose entire body is already in memory.
func NewBufferedResponse(status int, body []byte) *HTTPResponse {
	return &HTTPResponse{
		Head: ResponseHead{Status: status, Header: http.Header{}},
		Body: ResponseBody{Kind: RespBuffered, Buffered: body},
	}
}

// NewStreamedResponse builds a response whose body is produced incrementally.
func NewStreamedResponse(status int, producer BodyProducer) *HTTPResponse {
	return &HTTPResponse{
		Head: ResponseHead{Status: status, Header: http.Header{}},
		Body: ResponseBody{Kind: RespStreamed, Producer: producer},
	}
}

// wireWriter is what a ResponseWriter serializes a response onto; the
// HTTP/1.1 and HTTP/2 connection handlers each supply an implementation
// built on their own codec.
type wireWriter interface {
	WriteHead(status int, header http.Header) error
	WriteBodyChunk(p []byte) error
	WriteEnd() error
}

// ResponseWriter serializes an HTTPResponse into head/body/end parts over
// a wireWriter and decides connection disposition after the end-of-
// response signal.
type ResponseWriter struct {
	wire       wireWriter
	serverName string
	isHTTP1    bool
	validate   bool
}

// NewResponseWriter builds a ResponseWriter bound to one connection's wire
// codec. isHTTP1 controls whether a Connection header is emitted.
func NewResponseWriter(wire wireWriter, serverName string, isHTTP1 bool, validateHeaders bool) *ResponseWriter {
	return &ResponseWriter{wire: wire, serverName: serverName, isHTTP1: isHTTP1, validate: validateHeaders}
}

// Write serializes resp. If req carries a streamed body that is not fully
// drained once the response has been fully written, its ByteStreamer is
// dropped before this call returns. The returned closeConn is true when
// keepAlive is false, and also, whatever keepAlive says, when an outbound
// header fails validation, when the streamed producer errored mid-response
// (headers are already on the wire, so the failure cannot be signaled at
// the HTTP level), or when a transport error occurred.
func (w *ResponseWriter) Write(ctx context.Context, resp *HTTPResponse, req *HTTPRequest, keepAlive bool) (closeConn bool, err error) {
	header := resp.Head.Header
	if header == nil {
		header = http.Header{}
	}
	if resp.Body.Kind == RespBuffered {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body.Buffered)))
	}
	if w.serverName != "" {
		header.Set("Server", w.serverName)
	}
	if w.isHTTP1 {
		if keepAlive {
			header.Set("Connection", "keep-alive")
		} else {
			header.Set("Connection", "close")
		}
	}
	if w.validate {
		if badName, badValue := firstInvalidHeader(header); badName != "" {
			return true, &MalformedRequestError{Detail: "invalid outbound header " + badName + ": " + badValue}
		}
	}

	if err := w.wire.WriteHead(resp.Head.Status, header); err != nil {
		return true, &TransportError{Cause: err}
	}

	switch resp.Body.Kind {
	case RespEmpty:
		// nothing to write
	case RespBuffered:
		if len(resp.Body.Buffered) > 0 {
			if err := w.wire.WriteBodyChunk(resp.Body.Buffered); err != nil {
				return true, &TransportError{Cause: err}
			}
		}
	case RespStreamed:
		for {
			chunk, perr := resp.Body.Producer.Next(ctx)
			if perr == io.EOF {
				break
			}
			if perr != nil {
				// Headers are already flushed; the failure cannot be
				// signaled at the HTTP level, so we still emit end and
				// tell the caller to close the connection.
				_ = w.wire.WriteEnd()
				return true, &TransportError{Cause: perr}
			}
			if len(chunk) == 0 {
				continue
			}
			if err := w.wire.WriteBodyChunk(chunk); err != nil {
				return true, &TransportError{Cause: err}
			}
		}
	}

	if err := w.wire.WriteEnd(); err != nil {
		return true, &TransportError{Cause: err}
	}

	if req != nil && req.Body.Kind == BodyStreamed {
		req.Body.Streamer.Drop(ctx)
	}

	return !keepAlive, nil
}

// firstInvalidHeader returns the first header field name/value pair in h
// that fails RFC 7230 validation, using the same validator net/http uses
// internally (golang.org/x/net/http/httpguts).
func firstInvalidHeader(h http.Header) (name, value string) {
	for k, vs := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return k, ""
		}
		for _, v := range vs {
			if !httpguts.ValidHeaderFieldValue(v) {
				return k, v
			}
		}
	}
	return "", ""
}
