package corehttp

// UserEvent is broadcast through a connection's pipeline of user-
// registered handlers rather than delivered as ad hoc callbacks. The
// connection handlers in this package broadcast only EventQuiesce;
// EventInputClosed, EventIdleRead and EventIdleWrite are defined but never
// sent.
type UserEvent int

const (
	EventQuiesce UserEvent = iota
	EventInputClosed
	EventIdleRead
	EventIdleWrite
)

// Handler reacts to pipeline UserEvents. Implementations are constructed
// fresh per connection by a HandlerFactory; they never share mutable
// state across connections.
type Handler interface {
	HandleEvent(evt UserEvent)
}

// HandlerFactory produces one fresh Handler per connection. Handlers are
// registered as factory closures, rather than shared instances, so a
// Handler never needs to guard its own fields against concurrent
// connections.
type HandlerFactory func() Handler

// PipelineKind selects one of ChannelInitializer's three built-in
// variants.
type PipelineKind int

const (
	PipelineHTTP1 PipelineKind = iota
	PipelineHTTP2
	PipelineSecureUpgrade
)

// ChannelInitializer is the declarative, per-server pipeline assembly
// contract: two ChannelInitializers built from the same ServerConfig and
// the same ordered handler factories produce equivalent pipelines for
// every connection; handler factories are invoked once per connection so
// each connection gets a fresh Handler instance.
type ChannelInitializer struct {
	kind     PipelineKind
	config   ServerConfig
	logger   *Logger
	handlers []HandlerFactory

	// http1, http2 are the sub-initializers a PipelineSecureUpgrade
	// ChannelInitializer selects between after inspecting the
	// ALPN-negotiated protocol. Unused by the other two kinds.
	http1 *ChannelInitializer
	http2 *ChannelInitializer
}

// NewHTTP1Initializer builds a plain (non-TLS-terminating) HTTP/1.1
// pipeline: the HTTP/1.1 codec, configured per cfg, followed by the
// user-registered handlers in order, followed by the ConnectionHandler.
func NewHTTP1Initializer(cfg ServerConfig, logger *Logger, handlers ...HandlerFactory) *ChannelInitializer {
	return &ChannelInitializer{kind: PipelineHTTP1, config: cfg, logger: logger, handlers: handlers}
}

// NewHTTP2Initializer builds a plain HTTP/2 pipeline: one HTTP2StreamTracker
// at the connection level, with each stream becoming its own request/
// response cycle carrying the user-registered handlers and ConnectionHandler.
func NewHTTP2Initializer(cfg ServerConfig, logger *Logger, handlers ...HandlerFactory) *ChannelInitializer {
	return &ChannelInitializer{kind: PipelineHTTP2, config: cfg, logger: logger, handlers: handlers}
}

// NewSecureUpgradeInitializer builds an ALPN-driven selector between an
// HTTP/1.1 and an HTTP/2 initializer. It requires cfg.TLSOptions to be
// set; the leading TLS handler is what exposes the negotiated protocol
// this initializer dispatches on.
func NewSecureUpgradeInitializer(cfg ServerConfig, logger *Logger, handlers ...HandlerFactory) *ChannelInitializer {
	if cfg.TLSOptions == nil {
		bugf("NewSecureUpgradeInitializer requires ServerConfig.TLSOptions")
	}
	return &ChannelInitializer{
		kind:   PipelineSecureUpgrade,
		config: cfg,
		logger: logger,
		http1:  NewHTTP1Initializer(cfg, logger, handlers...),
		http2:  NewHTTP2Initializer(cfg, logger, handlers...),
	}
}

// selectByALPN resolves a secure-upgrade initializer to the concrete
// HTTP/1.1 or HTTP/2 initializer for a given ALPN-negotiated protocol id.
func (ci *ChannelInitializer) selectByALPN(negotiated string) *ChannelInitializer {
	if negotiated == "h2" {
		return ci.http2
	}
	return ci.http1
}

// instantiateHandlers runs every registered HandlerFactory once, for one
// connection, in registration order.
func (ci *ChannelInitializer) instantiateHandlers() []Handler {
	out := make([]Handler, 0, len(ci.handlers))
	for _, f := range ci.handlers {
		out = append(out, f())
	}
	return out
}

// broadcast delivers evt to every handler in order. The ConnectionHandler
// (and, for HTTP/2, the HTTP2StreamTracker) are not part of this slice;
// they react to the same events through their own direct hooks.
func broadcast(handlers []Handler, evt UserEvent) {
	for _, h := range handlers {
		h.HandleEvent(evt)
	}
}
