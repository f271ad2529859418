package corehttp

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func keepAliveReq(v bool) *HTTPRequest {
	return &HTTPRequest{Head: RequestHead{KeepAlive: v}}
}

func TestComputeKeepAlive(t *testing.T) {
	cases := []struct {
		name                      string
		requestKeepAlive          bool
		closeAfterResponseWritten bool
		requestsInProgress        int32
		want                      bool
	}{
		{"not keep-alive eligible", false, false, 1, false},
		{"keep-alive, no pending close", true, false, 1, true},
		{"keep-alive, pending close, last in flight", true, true, 1, false},
		{"keep-alive, pending close, not last in flight", true, true, 2, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeKeepAlive(keepAliveReq(tc.requestKeepAlive), tc.closeAfterResponseWritten, tc.requestsInProgress)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSynthesizeErrorResponse_ResponseBearing(t *testing.T) {
	err := &testResponseBearingError{status: 418, body: []byte("teapot")}
	resp := synthesizeErrorResponse(err, NewDiscardLogger())
	assert.Equal(t, 418, resp.Head.Status)
	assert.Equal(t, "teapot", string(resp.Body.Buffered))
}

func TestSynthesizeErrorResponse_PlainErrorBecomes500(t *testing.T) {
	resp := synthesizeErrorResponse(assert.AnError, NewDiscardLogger())
	assert.Equal(t, http.StatusInternalServerError, resp.Head.Status)
}

type testResponseBearingError struct {
	status int
	body   []byte
}

func (e *testResponseBearingError) Error() string  { return "test response-bearing error" }
func (e *testResponseBearingError) HTTPStatus() int { return e.status }
func (e *testResponseBearingError) HTTPBody() []byte { return e.body }
