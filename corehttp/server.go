package corehttp

import (
	"sync"
	"sync/atomic"
)

// serverState enumerates ServerLifecycle's states. Transitions are
// strictly monotonic forward; there is no path back from serverShutdown.
type serverState int32

const (
	serverInitial serverState = iota
	serverStarting
	serverRunning
	serverShuttingDown
	serverShutdown
)

// Server is the outer lifecycle state machine: bind, accept, graceful
// shutdown via a quiescing coordinator, wait-until-stopped, and
// re-entrancy/idempotence rules.
type Server struct {
	config ServerConfig
	logger *Logger

	state atomic.Int32 // serverState

	responder Responder

	gates []*gate
	wg    subsWaiter // tracks every live connection across every gate

	boundPort atomic.Uint32 // set once the listener(s) have bound

	// quiesceCh is closed exactly once, when Stop() begins tearing down
	// a Running server. Every connection goroutine holds a reference to
	// it and selects on it; closing a channel is itself a one-to-many
	// broadcast, which is what realizes "broadcasts a quiesce event to
	// every live child connection" (§4.7) without a separate connection
	// registry.
	quiesceCh chan struct{}

	stopOnce sync.Once
	stopDone chan struct{} // closed once ShuttingDown -> Shutdown completes

	startErr error
}

// NewServer constructs a Server in the Initial state. It does not bind
// anything until Start is called.
func NewServer(cfg ServerConfig, logger *Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewDiscardLogger()
	}
	if cfg.TLSOptions != nil && cfg.TLSOptions.EnableHTTP2 {
		// The secure-upgrade pipeline dispatches on ALPN, so advertise both
		// protocols on a copy, leaving the embedder's tls.Config untouched.
		opts := *cfg.TLSOptions
		opts.Config = opts.Config.Clone()
		opts.Config.NextProtos = []string{"h2", "http/1.1"}
		cfg.TLSOptions = &opts
	}
	return &Server{
		config:    cfg,
		logger:    logger,
		stopDone:  make(chan struct{}),
		quiesceCh: make(chan struct{}),
	}, nil
}

func (s *Server) loadState() serverState { return serverState(s.state.Load()) }

// Start binds the listener and begins accepting connections, dispatching
// each to responder via the ChannelInitializer implied by cfg.TLSOptions
// (secure upgrade when set and EnableHTTP2, plain TLS-only HTTP/1.1 when
// set without EnableHTTP2, plain-text HTTP/2 when unset and EnableH2C,
// plain HTTP/1.1 otherwise). After Stop has begun, Start returns
// ErrServerShuttingDown or ErrServerShutdown. Calling Start while the
// server is already Starting or Running is a programmer error and panics
// via bugf, since that contract violation is entirely within the
// embedder's control. A failed bind returns the server to Initial.
func (s *Server) Start(responder Responder, handlers ...HandlerFactory) error {
	switch s.loadState() {
	case serverInitial:
		if !s.state.CompareAndSwap(int32(serverInitial), int32(serverStarting)) {
			return s.Start(responder, handlers...) // lost the race; retry against the new state
		}
	case serverStarting, serverRunning:
		bugf("Server.Start called while already starting or running")
	case serverShuttingDown:
		return ErrServerShuttingDown
	case serverShutdown:
		return ErrServerShutdown
	}

	ci := s.buildInitializer(handlers...)

	numGates := 1
	s.gates = make([]*gate, 0, numGates)
	for i := 0; i < numGates; i++ {
		g := newGate(s, int32(i))
		if err := g.open(s.config.Address, s.config); err != nil {
			s.startErr = err
			s.state.Store(int32(serverInitial))
			return err
		}
		s.gates = append(s.gates, g)
	}
	s.boundPort.Store(uint32(s.gates[0].port()))

	// If, while we were still Starting, Stop() already ran and moved us
	// to ShuttingDown/Shutdown, honor that by closing what we just bound
	// instead of serving it.
	if st := s.loadState(); st == serverShuttingDown || st == serverShutdown {
		for _, g := range s.gates {
			g.shut()
		}
		return nil
	}

	s.state.Store(int32(serverRunning))

	s.responder = responder
	for _, g := range s.gates {
		s.wg.IncSub()
		go g.serve(ci, s.config.TLSOptions, s.config)
	}
	return nil
}

func (s *Server) buildInitializer(handlers ...HandlerFactory) *ChannelInitializer {
	switch {
	case s.config.TLSOptions != nil && s.config.TLSOptions.EnableHTTP2:
		return NewSecureUpgradeInitializer(s.config, s.logger, handlers...)
	case s.config.TLSOptions == nil && s.config.EnableH2C:
		return NewHTTP2Initializer(s.config, s.logger, handlers...)
	default:
		return NewHTTP1Initializer(s.config, s.logger, handlers...)
	}
}

// Stop initiates graceful shutdown: stop accepting new connections, ask
// every live connection to close once its in-flight request (if any)
// completes, and resolve once all of them have.
func (s *Server) Stop() error {
	for {
		switch s.loadState() {
		case serverInitial, serverStarting:
			if s.state.CompareAndSwap(int32(serverInitial), int32(serverShutdown)) ||
				s.state.CompareAndSwap(int32(serverStarting), int32(serverShutdown)) {
				s.stopOnce.Do(func() { close(s.stopDone) })
				return nil
			}
			continue // state changed under us; re-check
		case serverRunning:
			if !s.state.CompareAndSwap(int32(serverRunning), int32(serverShuttingDown)) {
				continue
			}
			s.quiesce()
			return nil
		case serverShuttingDown:
			<-s.stopDone
			return nil
		case serverShutdown:
			return nil
		}
	}
}

// quiesce closes every gate's listener (so no new connections are
// accepted), broadcasts EventQuiesce to every live connection, and waits
// for all of them to close before completing the ShuttingDown -> Shutdown
// transition.
func (s *Server) quiesce() {
	for _, g := range s.gates {
		g.shut()
	}
	close(s.quiesceCh)
	s.wg.WaitSubs()
	s.state.Store(int32(serverShutdown))
	s.stopOnce.Do(func() { close(s.stopDone) })
}

// Wait blocks until the server has fully shut down.
func (s *Server) Wait() error {
	switch s.loadState() {
	case serverInitial, serverStarting:
		return ErrServerNotRunning
	default:
		<-s.stopDone
		return nil
	}
}

// Port returns the bound local port while Running, and the configured
// port in every other state (0 when an ephemeral port was requested).
func (s *Server) Port() uint16 {
	if s.loadState() == serverRunning {
		return uint16(s.boundPort.Load())
	}
	return s.config.Address.Port
}
