package corehttp

import "net"

// serveConnection dispatches an accepted (and, if applicable, already
// TLS-handshaken and ALPN-resolved) connection to the protocol-specific
// ConnectionHandler named by ci.kind. gate.handleAccepted has already
// resolved PipelineSecureUpgrade down to a concrete HTTP/1.1 or HTTP/2
// initializer before calling this, so ci.kind here is never
// PipelineSecureUpgrade.
func serveConnection(server *Server, ci *ChannelInitializer, conn net.Conn, id int64) {
	switch ci.kind {
	case PipelineHTTP1:
		serveHTTP1Connection(server, ci, conn, id)
	case PipelineHTTP2:
		serveHTTP2Connection(server, ci, conn, id)
	default:
		conn.Close()
		bugf("serveConnection called with unresolved pipeline kind %d", ci.kind)
	}
}
