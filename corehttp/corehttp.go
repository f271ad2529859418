// Package corehttp is the connection-and-request core of an embeddable
// HTTP/1.1 and HTTP/2 server. It accepts TCP (optionally TLS) connections,
// parses traffic into a uniform HTTPRequest, hands each request to a
// user-supplied Responder, writes the produced HTTPResponse, and manages
// the per-connection lifecycle from arrival through graceful shutdown.
//
// Routing, TLS certificate management, and configuration-file parsing are
// not part of this package; it assumes a Responder and, optionally, a
// *tls.Config are supplied by the embedder.
package corehttp

import "sync/atomic"

// Version identifies the core's on-wire behavior, not the embedding
// application's version.
const Version = "0.1.0"

var (
	debugLevel atomic.Int32
)

// SetDebugLevel controls the package's internal debug logging. 0 (or a
// negative value) disables Logger.Debugf output; any positive value
// enables it.
func SetDebugLevel(level int32) { debugLevel.Store(level) }

// DebugLevel returns the current debug level set via SetDebugLevel.
func DebugLevel() int32 { return debugLevel.Load() }
