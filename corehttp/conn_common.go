package corehttp

import (
	"context"
	"net/http"
)

// synthesizeErrorResponse converts an error the ConnectionHandler must
// turn into an HTTP response (a propagated codec error, or a Responder
// failure): a ResponseBearing error is used directly and logged at debug
// level; anything else becomes a 500 and is logged at info level.
func synthesizeErrorResponse(err error, logger *Logger) *HTTPResponse {
	if rb, ok := err.(ResponseBearing); ok {
		logger.Debugf("responder returned response-bearing error: %v", rb)
		return NewBufferedResponse(rb.HTTPStatus(), rb.HTTPBody())
	}
	logger.Infof("responder error, replying 500: %v", err)
	return NewBufferedResponse(http.StatusInternalServerError, []byte("Internal Server Error"))
}

// malformedRequestResponse builds the auto-reply for a codec-level parse
// error when ServerConfig.HTTPErrorHandling is enabled.
func malformedRequestResponse(err *MalformedRequestError) *HTTPResponse {
	return NewBufferedResponse(http.StatusBadRequest, []byte("Bad Request: "+err.Detail))
}

// invokeResponder calls responder.Respond and wraps any returned error in
// a ResponderError, so callers can distinguish a Responder failure from
// an error synthesized elsewhere in the connection layer.
func invokeResponder(ctx context.Context, responder Responder, req *HTTPRequest) (*HTTPResponse, error) {
	resp, err := responder.Respond(ctx, req)
	if err != nil {
		return nil, &ResponderError{Cause: err}
	}
	return resp, nil
}

// computeKeepAlive decides whether a connection stays open after writing
// one response: the request must itself have been keep-alive-eligible,
// and the connection must not already be marked to close after this,
// the last, in-flight response. A request whose body streamer ended in
// an error also forces the connection closed — the Responder may never
// have consumed the streamer far enough to notice, and holding the
// connection open on the assumption everything after it was read
// correctly would be unsound.
func computeKeepAlive(req *HTTPRequest, closeAfterResponseWritten bool, requestsInProgress int32) bool {
	if !req.IsKeepAlive() {
		return false
	}
	if closeAfterResponseWritten && requestsInProgress == 1 {
		return false
	}
	if req.Body.Kind == BodyStreamed && req.Body.Streamer.TerminatedWithError() {
		return false
	}
	return true
}

// waitForBackpressure blocks the calling read loop while streamer's
// buffered size is at or above threshold, resuming as soon as a
// consumed chunk signals resumeCh. A nil streamer or a threshold <= 0
// disables the check.
func waitForBackpressure(streamer *ByteStreamer, threshold int64, resumeCh chan struct{}) {
	if streamer == nil || threshold <= 0 {
		return
	}
	streamer.SetOnConsume(func() {
		select {
		case resumeCh <- struct{}{}:
		default:
		}
	})
	for streamer.BufferedSize() >= threshold {
		<-resumeCh
	}
}
