package gemini

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady         = errors.New("connection is not ready")
	ErrAlreadyConnected = errors.New("connection already established")
	ErrClosed           = errors.New("connection closed")
	ErrMissingAPIKey    = errors.New("missing api key")

	// ErrTransportClosed is wrapped by transports when the underlying
	// connection can no longer carry frames.
	ErrTransportClosed = errors.New("transport closed")
	// ErrRemoteClosed is wrapped by transports when the peer closed the
	// connection normally.
	ErrRemoteClosed = errors.New("remote closed connection")
)

// ErrorKind classifies connection errors.
type ErrorKind int

const (
	KindConnection ErrorKind = iota + 1
	KindDecode
	KindServer
	KindSend
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindDecode:
		return "decode"
	case KindServer:
		return "server"
	case KindSend:
		return "send"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is returned by Connection operations and carried by ErrorEvent.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("gemini %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("gemini %s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ServerError is an error reported by the remote service in an error frame.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == 0 {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}
