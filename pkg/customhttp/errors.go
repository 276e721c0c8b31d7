package customhttp

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind classifies failures reported through the completion callback.
type ErrorKind int

const (
	// KindConfiguration rejects a request before any I/O.
	KindConfiguration ErrorKind = iota + 1
	// KindConnect means the transport could not be established.
	KindConnect
	// KindTimeout means no complete response arrived in time.
	KindTimeout
	// KindReset means the transport closed or failed mid exchange.
	KindReset
	// KindParse means the server sent bytes that are not valid HTTP.
	KindParse
	// KindProtocol covers well-formed but unacceptable responses, such as a
	// failed WebSocket handshake.
	KindProtocol
	// KindIO covers file sink and upload file failures.
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindConnect:
		return "connect failed"
	case KindTimeout:
		return "timeout"
	case KindReset:
		return "connection reset"
	case KindParse:
		return "parse error"
	case KindProtocol:
		return "protocol error"
	case KindIO:
		return "io error"
	default:
		return "unknown error"
	}
}

// Status codes written back in place of an HTTP status when a request fails.
const (
	StatusConnectFailed  = -1
	StatusRequestTimeout = -2
	StatusServerReset    = -3
	StatusParseFailed    = -4
	StatusProtocolError  = -5
	StatusIOError        = -6
	StatusInvalidRequest = -7
)

// Error is the failure value delivered to completion callbacks.
type Error struct {
	Kind ErrorKind
	// Handshake is set on timeouts that hit a pending WebSocket upgrade.
	Handshake bool
	// Errno carries the operating system error code when there is one.
	Errno syscall.Errno
	Err   error
}

func newError(kind ErrorKind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

func (e *Error) Error() string {
	label := e.Kind.String()
	if e.Kind == KindTimeout && e.Handshake {
		label = "websocket handshake timeout"
	}
	if e.Err == nil {
		return label
	}
	return fmt.Sprintf("%s: %v", label, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind that carries no cause, so
// errors.Is(err, ErrTimeout) works on any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// StatusCode maps the error onto the negative status code convention.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindConnect:
		return StatusConnectFailed
	case KindTimeout:
		return StatusRequestTimeout
	case KindReset:
		return StatusServerReset
	case KindParse:
		return StatusParseFailed
	case KindProtocol:
		return StatusProtocolError
	case KindIO:
		return StatusIOError
	default:
		return StatusInvalidRequest
	}
}

// Kind sentinels for errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrConnect       = &Error{Kind: KindConnect}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrReset         = &Error{Kind: KindReset}
	ErrParse         = &Error{Kind: KindParse}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrIO            = &Error{Kind: KindIO}
)

var (
	ErrSessionBusy       = errors.New("session has a request in flight")
	ErrSessionClosed     = errors.New("session is closed")
	ErrTransportInactive = errors.New("transport is not active")
	ErrNotConnected      = errors.New("websocket is not connected")
	ErrHandshakeFailed   = errors.New("websocket handshake failed")
	ErrNoMessageHandler  = errors.New("websocket upgrade requires a message handler")
	ErrHostRequired      = errors.New("forward proxy requests need a Host header")
	ErrIncompleteMessage = errors.New("connection closed before the response was complete")
)

// KindOf returns the kind of err, or zero when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
