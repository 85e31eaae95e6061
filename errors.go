package ethsock

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Sentinel errors for common conditions.
var (
	ErrClosed       = errors.New("ethsock: connection closed")
	ErrNotSupported = errors.New("ethsock: operation not supported")
	ErrNotFound     = errors.New("ethsock: not found")

	// ErrMalformedResponse is returned for a response that carries neither a
	// result nor an error object.
	ErrMalformedResponse = errors.New("ethsock: unknown error")
)

// ConnectionError represents a connection-level error.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("ethsock: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("ethsock: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError represents an error while encoding or transmitting a request.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("ethsock: send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// BackendError is an explicit error object returned by the backend for a
// specific call. It is local to that call and never affects other requests.
type BackendError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("ethsock: backend error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("ethsock: backend error: %s", msg)
}

// ErrorCode returns the backend-supplied numeric code, zero when absent.
func (e *BackendError) ErrorCode() int {
	return e.Code
}
