package corehttp

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// subsWaiter tracks a set of "sub" goroutines (here, live connections) so
// a parent can wait for all of them to finish. Adopted directly from
// gorox's _subsWaiter_ mixin (hemi/mixins.go), which wraps a
// sync.WaitGroup with Inc/Dec/Wait names; it is exactly the primitive the
// quiescing coordinator needs to know when "all child connections have
// closed".
type subsWaiter struct {
	subs sync.WaitGroup
}

func (w *subsWaiter) IncSub()   { w.subs.Add(1) }
func (w *subsWaiter) DecSub()   { w.subs.Done() }
func (w *subsWaiter) WaitSubs() { w.subs.Wait() }

// gate is one listener: a bound net.Listener plus connection accounting
// and the quiesce flag that its accept loop checks after every failed
// Accept. A maxConns soft limit throttles new connections per gate, and
// a MarkShut/IsShut pair lets Accept's error path distinguish "listener
// was closed on purpose" from a real accept error.
type gate struct {
	server *Server
	id     int32

	listener net.Listener

	isShut   atomic.Bool
	numConns atomic.Int32

	subsWaiter
}

func newGate(server *Server, id int32) *gate {
	return &gate{server: server, id: id}
}

// open binds the listener for addr. Unix domain sockets don't support
// SO_REUSEADDR, so a stale socket file is removed first, per gorox's
// httpxGate._openUnix.
func (g *gate) open(addr BindAddress, cfg ServerConfig) error {
	if addr.IsUnix() {
		os.Remove(addr.UnixPath)
		ln, err := net.Listen("unix", addr.UnixPath)
		if err != nil {
			return err
		}
		g.listener = ln
		return nil
	}

	lc := net.ListenConfig{}
	if cfg.ReuseAddress {
		lc.Control = setReuseAddr
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr.String())
	if err != nil {
		return err
	}
	g.listener = ln
	return nil
}

func (g *gate) shut() error {
	g.isShut.Store(true)
	return g.listener.Close()
}

func (g *gate) reachLimit(max int32) bool {
	if max <= 0 {
		return false
	}
	return g.numConns.Add(1) > max
}

func (g *gate) connClosed() { g.numConns.Add(-1) }

// port returns the actual bound TCP port, or 0 for a Unix gate.
func (g *gate) port() uint16 {
	if tcpAddr, ok := g.listener.Addr().(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port)
	}
	return 0
}

// serve runs the accept loop. kind selects which ChannelInitializer (and
// therefore which protocol pipeline) newly accepted connections go
// through; tlsOptions, when non-nil, wraps each accepted connection in a
// TLS server handshake before handing it to the initializer, mirroring
// gorox's serveTLS/serveTCP split in hemi/web_server_httpx.go.
func (g *gate) serve(ci *ChannelInitializer, tlsOptions *TLSOptions, cfg ServerConfig) {
	defer g.server.wg.DecSub()
	connID := int64(0)
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.isShut.Load() {
				break
			}
			continue
		}
		if g.reachLimit(cfg.MaxConnections) {
			conn.Close()
			g.connClosed()
			continue
		}
		g.IncSub()
		g.server.wg.IncSub()
		connID++
		id := connID
		go g.handleAccepted(ci, tlsOptions, cfg, conn, id)
	}
	g.WaitSubs()
}

func (g *gate) handleAccepted(ci *ChannelInitializer, tlsOptions *TLSOptions, cfg ServerConfig, conn net.Conn, id int64) {
	defer g.DecSub()
	defer g.server.wg.DecSub()
	defer g.connClosed()

	if tcpConn, ok := conn.(*net.TCPConn); ok && cfg.TCPNoDelay {
		tcpConn.SetNoDelay(true)
	}

	effective := ci
	if tlsOptions != nil {
		tlsConn := tls.Server(conn, tlsOptions.Config)
		if err := tlsConn.Handshake(); err != nil {
			tlsConn.Close()
			return
		}
		conn = tlsConn
		if ci.kind == PipelineSecureUpgrade {
			negotiated := tlsConn.ConnectionState().NegotiatedProtocol
			effective = ci.selectByALPN(negotiated)
		}
		// tcpNoDelay has already been applied above, to the raw TCP
		// connection before the handshake; it is not reapplied to the
		// crypto/tls.Conn wrapping it.
	}

	serveConnection(g.server, effective, conn, id)
}

// setReuseAddr is installed as a net.ListenConfig.Control hook, grounded
// on gorox's hemi/common/system/net_linux.go SetReusePort: a
// rawConn.Control closure performing a single SetsockoptInt call.
func setReuseAddr(network, address string, rawConn syscall.RawConn) error {
	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
