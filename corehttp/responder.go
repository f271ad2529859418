package corehttp

import "context"

// Responder is the application-level collaborator that turns a request
// into a response. It is explicitly out of this core's scope (§1
// non-goals); only its interface to the core is specified here.
//
// Respond may consume req.Body.Streamer (if present) at most once, and
// may freely drive async work of its own; the core marshals the result
// back onto the connection's goroutine before writing it.
type Responder interface {
	Respond(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// ResponderFunc adapts a plain function to the Responder interface.
type ResponderFunc func(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)

func (f ResponderFunc) Respond(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	return f(ctx, req)
}

// RequestContext is the per-request context surface offered to a
// Responder beyond the Go context.Context itself: identifiers useful for
// logging and tracing, plus the connection's Logger.
type RequestContext struct {
	ConnID    int64
	RequestID int64
	Logger    *Logger
}

// contextKey is unexported to avoid collisions with other packages'
// context keys.
type contextKey struct{ name string }

var requestContextKey = &contextKey{"corehttp-request-context"}

// WithRequestContext attaches a RequestContext to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// RequestContextFrom retrieves the RequestContext attached by the core,
// or nil if ctx carries none (e.g. in a unit test that calls a Responder
// directly).
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rc
}
