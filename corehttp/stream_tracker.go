package corehttp

import "sync"

// http2TrackerState enumerates HTTP2StreamTracker's states: Active while
// new streams may still open, Quiescing once a drain has been requested
// but streams remain open, Closing once every stream has closed after a
// drain (or an idle timeout fired) — a terminal state every further
// event collapses back into.
type http2TrackerState int32

const (
	http2Active http2TrackerState = iota
	http2Quiescing
	http2Closing
)

// HTTP2StreamTracker is the connection-level counterpart to a per-stream
// RequestAssembler: it counts concurrently open streams and decides when
// a connection that has been asked to quiesce, or has gone idle, is
// actually done and may be torn down. onClose fires exactly once, the
// instant the tracker reaches Closing.
type HTTP2StreamTracker struct {
	mu      sync.Mutex
	state   http2TrackerState
	open    int
	onClose func()
	fired   bool
}

func NewHTTP2StreamTracker(onClose func()) *HTTP2StreamTracker {
	return &HTTP2StreamTracker{onClose: onClose}
}

func (t *HTTP2StreamTracker) State() http2TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StreamCreated records a new open stream.
func (t *HTTP2StreamTracker) StreamCreated() {
	t.mu.Lock()
	t.open++
	t.mu.Unlock()
}

// StreamClosed records a stream's closure, and closes the connection if a
// prior Quiesce call is waiting on exactly this.
func (t *HTTP2StreamTracker) StreamClosed() {
	t.mu.Lock()
	t.open--
	shouldClose := t.state == http2Quiescing && t.open <= 0
	t.mu.Unlock()
	if shouldClose {
		t.closeNow()
	}
}

// Quiesce moves Active to Quiescing, and closes immediately if no stream
// is currently open. A Quiesce received while already Quiescing or
// Closing is a no-op beyond that idempotent check.
func (t *HTTP2StreamTracker) Quiesce() {
	t.mu.Lock()
	if t.state == http2Active {
		t.state = http2Quiescing
	}
	shouldClose := t.state == http2Quiescing && t.open <= 0
	t.mu.Unlock()
	if shouldClose {
		t.closeNow()
	}
}

// IdleRead reports that the connection has gone idle on reads past its
// configured timeout. It closes only when at least one stream is open: a
// peer that goes quiet mid-request is treated as stalled. An idle read
// with no open stream is an ordinary idle connection and is left to
// IdleWrite.
func (t *HTTP2StreamTracker) IdleRead() {
	t.mu.Lock()
	shouldClose := t.open > 0
	t.mu.Unlock()
	if shouldClose {
		t.closeNow()
	}
}

// IdleWrite reports that the connection has gone idle on writes. Unlike
// IdleRead, this only closes once every stream has finished — closing
// mid-stream would cut off a response that is simply paused waiting on
// its Producer, not abandoned.
func (t *HTTP2StreamTracker) IdleWrite() {
	t.mu.Lock()
	shouldClose := t.open == 0
	t.mu.Unlock()
	if shouldClose {
		t.closeNow()
	}
}

func (t *HTTP2StreamTracker) closeNow() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.state = http2Closing
	t.mu.Unlock()
	if t.onClose != nil {
		t.onClose()
	}
}
