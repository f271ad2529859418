package corehttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoResponder() Responder {
	return ResponderFunc(func(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
		return NewBufferedResponse(200, []byte(fmt.Sprintf("%s %s", req.Head.Method, req.Head.Target))), nil
	})
}

func newTestServer(t *testing.T, cfg ServerConfig, responder Responder) *Server {
	cfg.Address = TCPAddress("127.0.0.1", 0)
	s, err := NewServer(cfg, NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(responder))
	t.Cleanup(func() {
		_ = s.Stop()
		_ = s.Wait()
	})
	return s
}

func TestServer_StartStopIdempotence(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, ResponderFunc(func(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
		return NewEmptyResponse(204), nil
	}))

	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop()) // idempotent once already ShuttingDown/Shutdown
	assert.NoError(t, s.Wait())
}

func TestServer_StopBeforeStart(t *testing.T) {
	s, err := NewServer(ServerConfig{Address: TCPAddress("127.0.0.1", 0)}, NewDiscardLogger())
	require.NoError(t, err)

	require.NoError(t, s.Stop()) // Initial -> Shutdown directly, no gates were ever opened

	err = s.Start(ResponderFunc(func(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
		return NewEmptyResponse(204), nil
	}))
	assert.ErrorIs(t, err, ErrServerShutdown)
}

func TestServer_WaitWithoutStart(t *testing.T) {
	s, err := NewServer(ServerConfig{Address: TCPAddress("127.0.0.1", 0)}, NewDiscardLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Wait(), ErrServerNotRunning)
}

func TestServer_DoubleStartPanics(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, echoResponder())
	assert.Panics(t, func() {
		_ = s.Start(echoResponder())
	})
}

func TestServer_EndToEndHTTP1_SingleRequest(t *testing.T) {
	s := newTestServer(t, ServerConfig{HTTPErrorHandling: true}, echoResponder())

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	status, header, body := readHTTP1Response(t, conn)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, "close", header["Connection"])
	assert.Equal(t, "GET /hello", body)
}

func TestServer_EndToEndHTTP1_KeepAliveTwoRequests(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, echoResponder())

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("GET /first HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)
	status, header, body := readHTTP1Response(t, conn)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, "keep-alive", header["Connection"])
	assert.Equal(t, "GET /first", body)

	_, err = conn.Write([]byte("GET /second HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	_, _, body = readHTTP1Response(t, conn)
	assert.Equal(t, "GET /second", body)
}

func TestServer_EndToEndHTTP1_MalformedRequestGets400(t *testing.T) {
	s := newTestServer(t, ServerConfig{HTTPErrorHandling: true}, echoResponder())

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("NOT A REQUEST LINE\r\n\r\n"))
	require.NoError(t, err)

	status, _, _ := readHTTP1Response(t, conn)
	assert.Equal(t, "HTTP/1.1 400 Bad Request", status)
}

// readHTTP1Response reads one HTTP/1.1 response off conn and returns its
// status line, a flattened header map, and its fully-read body (assuming a
// Content-Length body; the server under test never emits chunked
// responses for these small buffered replies).
func readHTTP1Response(t *testing.T, conn net.Conn) (status string, header map[string]string, body string) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	status = trimCRLF(line)

	header = map[string]string{}
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = trimCRLF(line)
		if line == "" {
			break
		}
		var name, value string
		idx := indexByte(line, ':')
		require.GreaterOrEqual(t, idx, 0)
		name, value = line[:idx], trimLeadingSpace(line[idx+1:])
		header[name] = value
		if name == "Content-Length" {
			fmt.Sscanf(value, "%d", &contentLength)
		}
	}

	buf := make([]byte, contentLength)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	return status, header, string(buf)
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func trimLeadingSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
