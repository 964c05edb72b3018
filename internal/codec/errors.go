package codec

import (
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-sessions-go/internal/jsonrpc"
)

var (
	ErrMalformedBody  = errors.New("malformed body")
	ErrMissingSession = errors.New("missing session id")
)

// Reason names a decode failure.
type Reason string

const (
	ReasonMalformedBody  Reason = "MalformedBody"
	ReasonMissingSession Reason = "MissingSession"
)

// DecodeError is returned by Decoder methods.
type DecodeError struct {
	Reason Reason
	// ID is the correlation id when the body parsed far enough to carry one.
	ID  *jsonrpc.RequestID
	Err error
}

func malformed(err error) *DecodeError {
	return &DecodeError{Reason: ReasonMalformedBody, Err: err}
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	var sentinel error = ErrMalformedBody
	if e.Reason == ReasonMissingSession {
		sentinel = ErrMissingSession
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Status maps the failure to its HTTP status code.
func (e *DecodeError) Status() int {
	return http.StatusBadRequest
}

// Code maps the failure to its JSON-RPC error code.
func (e *DecodeError) Code() jsonrpc.ErrorCode {
	if e.Reason == ReasonMissingSession {
		return jsonrpc.ErrorCodeServerError
	}
	return jsonrpc.ErrorCodeParseError
}

// Message is the client-facing error message.
func (e *DecodeError) Message() string {
	if e.Reason == ReasonMissingSession {
		return "Bad Request: Mcp-Session-Id header is required"
	}
	return "Parse error"
}
