package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies a relay failure.
type Kind int

const (
	// KindUpstreamUnavailable means the upstream refused or never accepted
	// the connection. Surfaced as 503.
	KindUpstreamUnavailable Kind = iota + 1
	// KindUpstreamTimeout means the upstream accepted but did not answer
	// within the relay deadline. Surfaced as 504.
	KindUpstreamTimeout
	// KindUpstreamError carries an upstream HTTP response whose status and
	// body pass through to the caller unchanged.
	KindUpstreamError
	// KindInternal covers everything else (malformed account config,
	// downstream failures). Surfaced as 500.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamError:
		return "upstream_error"
	default:
		return "internal_relay_error"
	}
}

// Error is the relay engine's error type. The engine never retries; mapping
// a Kind to caller-visible behavior is the transport layer's job via
// HTTPStatus and SSEFrame.
type Error struct {
	Kind           Kind
	UpstreamStatus int
	UpstreamBody   []byte
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay %s: %v", e.Kind, e.Err)
	}
	if e.Kind == KindUpstreamError {
		return fmt.Sprintf("relay %s: status %d", e.Kind, e.UpstreamStatus)
	}
	return "relay " + e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to the status surfaced to the caller.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		if e.UpstreamStatus > 0 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns a short caller-facing description.
func (e *Error) Message() string {
	switch e.Kind {
	case KindUpstreamUnavailable:
		return "upstream service unavailable"
	case KindUpstreamTimeout:
		return "upstream request timeout"
	case KindUpstreamError:
		return fmt.Sprintf("upstream returned status %d", e.UpstreamStatus)
	default:
		return "internal relay error"
	}
}

// SSEFrame renders the error as one in-band server-sent event so a streaming
// caller sees a terminal error frame instead of an abrupt disconnect.
func (e *Error) SSEFrame() []byte {
	errType := "api_error"
	if e.HTTPStatus() == http.StatusTooManyRequests {
		errType = "rate_limit_error"
	}
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": e.Message(),
			"code":    e.HTTPStatus(),
		},
	})
	return []byte("event: error\ndata: " + string(payload) + "\n\n")
}

// NewUpstreamError wraps an upstream HTTP response for status/body
// passthrough.
func NewUpstreamError(status int, body []byte) *Error {
	return &Error{Kind: KindUpstreamError, UpstreamStatus: status, UpstreamBody: body}
}

// classify maps a transport failure onto the relay error taxonomy.
func classify(err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindUpstreamTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindUpstreamTimeout, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{Kind: KindUpstreamUnavailable, Err: err}
	}

	// Other dial-phase failures (no route, DNS) also mean the upstream
	// cannot be reached.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Error{Kind: KindUpstreamUnavailable, Err: err}
	}

	return &Error{Kind: KindInternal, Err: err}
}
