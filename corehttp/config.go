package corehttp

import (
	"crypto/tls"
	"fmt"
	"time"
)

// BindAddress names either a TCP endpoint or a Unix domain socket path.
// It is immutable once constructed. A zero Port with a non-empty Host
// requests an ephemeral port, resolved at bind time.
type BindAddress struct {
	Host     string
	Port     uint16
	UnixPath string
}

// TCPAddress builds a BindAddress for a TCP/IPv4/IPv6 endpoint.
func TCPAddress(host string, port uint16) BindAddress {
	return BindAddress{Host: host, Port: port}
}

// UnixAddress builds a BindAddress for a Unix domain socket.
func UnixAddress(path string) BindAddress {
	return BindAddress{UnixPath: path}
}

// IsUnix reports whether this address names a Unix domain socket.
func (b BindAddress) IsUnix() bool { return b.UnixPath != "" }

func (b BindAddress) String() string {
	if b.IsUnix() {
		return "unix:" + b.UnixPath
	}
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// IdleTimeouts holds a read and a write idle timeout for a connection
// (HTTP/1.1) or a stream-tracked connection (HTTP/2). ServerConfig carries
// one per protocol, but no connection handler reads them: no read or write
// deadline is set, and idle connections are not closed on a timer.
type IdleTimeouts struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// TLSOptions configures the TLS engine that fronts a listener. Certificate
// loading and cipher policy belong to the embedder; this core only reads
// Config and, for the secure-upgrade pipeline, overwrites NextProtos.
type TLSOptions struct {
	Config      *tls.Config
	EnableHTTP2 bool // advertise "h2" via ALPN in addition to "http/1.1"
}

// ServerConfig is the entire, intentionally small, configuration surface
// of this core: a plain struct, never a text-format DSL, per the
// package's non-goal on configuration parsing.
type ServerConfig struct {
	Address     BindAddress
	ServerName  string // emitted as the Server response header when non-empty

	MaxUploadSize           int64 // upper bound on an accepted request body
	MaxStreamingBufferSize  int64 // soft ceiling on buffered streaming-body bytes

	Backlog        int   // listener backlog; ignored on platforms that manage it
	MaxConnections int32 // 0 means unlimited; a gate-level accept-time guard

	ReuseAddress bool
	TCPNoDelay   bool

	WithPipeliningAssistance bool // not read; HTTP/1.1 responses are always written in request order
	HTTPErrorHandling        bool // auto-reply 400 to malformed requests
	OutboundHeaderValidation bool // validate outbound header field names/values

	HTTP1IdleTimeouts *IdleTimeouts
	HTTP2IdleTimeouts *IdleTimeouts

	TLSOptions *TLSOptions

	// EnableH2C serves plain-text HTTP/2 (RFC 7540 §3.4's "prior
	// knowledge" variant only — no Upgrade-header negotiation) when
	// TLSOptions is nil. Ignored when TLSOptions is set; TLS connections
	// negotiate HTTP/2 via ALPN instead.
	EnableH2C bool
}

const (
	defaultMaxUploadSize          = 16 << 20 // 16 MiB
	defaultMaxStreamingBufferSize = 1 << 20  // 1 MiB
	defaultBacklog                = 128
)

// withDefaults returns a copy of c with zero-valued fields filled in,
// mirroring gaby-http2's ServerConfig.defaults() convention: defaulting
// happens once, at construction time, never silently at use time.
func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = defaultMaxUploadSize
	}
	if c.MaxStreamingBufferSize <= 0 {
		c.MaxStreamingBufferSize = defaultMaxStreamingBufferSize
	}
	if c.Backlog <= 0 {
		c.Backlog = defaultBacklog
	}
	return c
}

func (c ServerConfig) validate() error {
	if !c.Address.IsUnix() && c.Address.Host == "" && c.Address.Port == 0 {
		return fmt.Errorf("corehttp: ServerConfig.Address is unset")
	}
	if c.TLSOptions != nil && c.TLSOptions.Config == nil {
		return fmt.Errorf("corehttp: ServerConfig.TLSOptions.Config is nil")
	}
	return nil
}
