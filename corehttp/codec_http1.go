package corehttp

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// readChunkSize is the maximum number of bytes ReadBodyChunk pulls off the
// wire at once for a fixed-length (Content-Length) body. It is deliberately
// well below most deployments' MaxStreamingBufferSize so that a large
// request body naturally arrives as several OnBody calls, which is what
// drives RequestAssembler's Buffered->Streamed promotion in practice.
const readChunkSize = 32 << 10

// http1Codec is the HTTP/1.1 wire codec: head parsing via net/textproto,
// body framing (fixed-length or chunked) hand-rolled on top of a
// bufio.Reader, and a wireWriter implementation using the matching
// output framing.
type http1Codec struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	respChunked bool // set by WriteHead for the response currently being written
}

func newHTTP1Codec(conn net.Conn) *http1Codec {
	return &http1Codec{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 4096),
		bw:   bufio.NewWriterSize(conn, 4096),
	}
}

// ReadHead parses one request line and header block. A failure to read the
// request line is returned as is (a bare io.EOF there signals a clean
// connection close between requests); a request line or header block that
// does not parse is reported as a *MalformedRequestError.
func (c *http1Codec) ReadHead() (RequestHead, error) {
	tp := textproto.NewReader(c.br)
	line, err := tp.ReadLine()
	if err != nil {
		return RequestHead{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestHead{}, &MalformedRequestError{Detail: "malformed request line"}
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return RequestHead{}, &MalformedRequestError{Detail: "unsupported protocol " + proto}
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return RequestHead{}, &MalformedRequestError{Detail: "malformed headers: " + err.Error()}
	}
	header := http.Header(mimeHeader)

	contentLength := int64(-1)
	chunked := isChunked(header)
	if !chunked {
		if cl := header.Get("Content-Length"); cl != "" {
			n, perr := strconv.ParseInt(cl, 10, 64)
			if perr != nil || n < 0 {
				return RequestHead{}, &MalformedRequestError{Detail: "malformed Content-Length"}
			}
			contentLength = n
		} else {
			contentLength = 0
		}
	}

	keepAlive := !strings.EqualFold(header.Get("Connection"), "close")
	if proto == "HTTP/1.0" {
		keepAlive = strings.EqualFold(header.Get("Connection"), "keep-alive")
	}

	return RequestHead{
		Method:        method,
		Target:        target,
		Proto:         proto,
		Header:        header,
		Host:          header.Get("Host"),
		ContentLength: contentLength,
		KeepAlive:     keepAlive,
		RemoteAddr:    c.conn.RemoteAddr().String(),
	}, nil
}

func isChunked(header http.Header) bool {
	return strings.EqualFold(header.Get("Transfer-Encoding"), "chunked")
}

// bodyReader is driven by the ConnectionHandler's read loop: one call
// returns the next available body chunk, or ok=false once the body (fixed
// or chunked) has been fully consumed.
type bodyReader struct {
	codec     *http1Codec
	chunked   bool
	remaining int64 // for fixed-length bodies; unused when chunked
}

func (c *http1Codec) newBodyReader(head RequestHead) *bodyReader {
	return &bodyReader{codec: c, chunked: isChunked(head.Header), remaining: head.ContentLength}
}

func (b *bodyReader) hasBody() bool {
	if b.chunked {
		return true
	}
	return b.remaining > 0
}

// Next reads and returns the next chunk. ok is false, with a nil error,
// once the body is exhausted cleanly.
func (b *bodyReader) Next() (chunk []byte, ok bool, err error) {
	if b.chunked {
		return b.nextChunkedChunk()
	}
	return b.nextFixedChunk()
}

func (b *bodyReader) nextFixedChunk() ([]byte, bool, error) {
	if b.remaining <= 0 {
		return nil, false, nil
	}
	n := int64(readChunkSize)
	if b.remaining < n {
		n = b.remaining
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(b.codec.br, buf)
	if err != nil {
		return nil, false, &TransportError{Cause: err}
	}
	b.remaining -= int64(read)
	return buf[:read], true, nil
}

// nextChunkedChunk decodes one chunk of an HTTP/1.1 chunked-encoded body:
// a hex size line, that many bytes, a trailing CRLF. A zero-size chunk
// marks the end; any trailer header block following it is read and
// discarded.
func (b *bodyReader) nextChunkedChunk() ([]byte, bool, error) {
	tp := textproto.NewReader(b.codec.br)
	sizeLine, err := tp.ReadLine()
	if err != nil {
		return nil, false, &TransportError{Cause: err}
	}
	if i := strings.IndexByte(sizeLine, ';'); i >= 0 {
		sizeLine = sizeLine[:i] // chunk extensions are ignored
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
	if err != nil || size < 0 {
		return nil, false, &MalformedRequestError{Detail: "malformed chunk size"}
	}
	if size == 0 {
		if _, err := tp.ReadMIMEHeader(); err != nil && err != io.EOF {
			return nil, false, &MalformedRequestError{Detail: "malformed chunk trailer"}
		}
		return nil, false, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(b.codec.br, buf); err != nil {
		return nil, false, &TransportError{Cause: err}
	}
	if _, err := tp.ReadLine(); err != nil { // trailing CRLF after chunk data
		return nil, false, &TransportError{Cause: err}
	}
	return buf, true, nil
}

// WriteHead writes the status line and headers. The absence of a
// Content-Length header is taken to mean the body will be streamed, and
// Transfer-Encoding: chunked is installed for the rest of this response
// cycle.
func (c *http1Codec) WriteHead(status int, header http.Header) error {
	c.respChunked = header.Get("Content-Length") == ""
	if c.respChunked {
		header.Set("Transfer-Encoding", "chunked")
	}

	if _, err := c.bw.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n"); err != nil {
		return err
	}
	for name, values := range header {
		for _, v := range values {
			if _, err := c.bw.WriteString(name + ": " + v + "\r\n"); err != nil {
				return err
			}
		}
	}
	_, err := c.bw.WriteString("\r\n")
	return err
}

func (c *http1Codec) WriteBodyChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !c.respChunked {
		_, err := c.bw.Write(p)
		return err
	}
	if _, err := c.bw.WriteString(strconv.FormatInt(int64(len(p)), 16) + "\r\n"); err != nil {
		return err
	}
	if _, err := c.bw.Write(p); err != nil {
		return err
	}
	_, err := c.bw.WriteString("\r\n")
	return err
}

func (c *http1Codec) WriteEnd() error {
	if c.respChunked {
		if _, err := c.bw.WriteString("0\r\n\r\n"); err != nil {
			return err
		}
		c.respChunked = false
	}
	return c.bw.Flush()
}
