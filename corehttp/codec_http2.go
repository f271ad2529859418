package corehttp

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

const http2MaxFramePayload = 16384

// http2StreamWriter adapts one HTTP/2 stream to the wireWriter interface
// ResponseWriter expects. Every write is funneled through the owning
// connection's single write goroutine (conn_http2.go's writePump) so
// HPACK's per-connection dynamic table, and the underlying Framer, are
// never touched by two goroutines at once.
type http2StreamWriter struct {
	conn     *http2Conn
	streamID uint32
}

func (w *http2StreamWriter) WriteHead(status int, header http.Header) error {
	fields := make([]hpack.HeaderField, 0, len(header)+1)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	for name, values := range header {
		lower := strings.ToLower(name)
		if lower == "connection" {
			continue // meaningless, and forbidden, over HTTP/2
		}
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	return w.conn.writeHeaders(w.streamID, fields)
}

func (w *http2StreamWriter) WriteBodyChunk(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > http2MaxFramePayload {
			n = http2MaxFramePayload
		}
		if err := w.conn.writeData(w.streamID, p[:n], false); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (w *http2StreamWriter) WriteEnd() error {
	return w.conn.writeData(w.streamID, nil, true)
}
