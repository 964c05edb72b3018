// Package codec turns raw HTTP request bodies into classified JSON-RPC
// envelopes and back. It performs no I/O.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-sessions-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessions-go/mcp"
)

const (
	SessionIDHeader       = "Mcp-Session-Id"
	ProtocolVersionHeader = "Mcp-Protocol-Version"
)

// Kind discriminates a decoded envelope.
type Kind int

const (
	KindInitialize Kind = iota + 1
	KindCall
	KindTermination
	KindResponse
	KindEvent
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return "initialize-request"
	case KindCall:
		return "call-request"
	case KindTermination:
		return "termination-request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Envelope is one classified wire message.
type Envelope struct {
	Kind Kind

	// SessionID is the value of the session header, if any.
	SessionID string
	// ProtocolVersion is the value of the protocol version header, if any.
	ProtocolVersion string

	// Exactly one of Request or Response is set, except for KindTermination
	// which carries neither.
	Request  *jsonrpc.Request
	Response *jsonrpc.Response
}

// ID returns the correlation id of the envelope, or nil.
func (e *Envelope) ID() *jsonrpc.RequestID {
	switch {
	case e.Request != nil:
		return e.Request.ID
	case e.Response != nil:
		return e.Response.ID
	}
	return nil
}

// Method returns the request method or the empty string.
func (e *Envelope) Method() string {
	if e.Request == nil {
		return ""
	}
	return e.Request.Method
}

// Decoder classifies request bodies. The zero value accepts calls without a
// session header, which is what stateless deployments want.
type Decoder struct {
	// RequireSession rejects every envelope other than an initialize request
	// that arrives without a session header.
	RequireSession bool
}

// Decode parses one JSON-RPC message and classifies it against the headers.
func (d Decoder) Decode(body []byte, h http.Header) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, malformed(errors.New("empty body"))
	}
	if trimmed[0] == '[' {
		return nil, malformed(jsonrpc.ErrBatchNotAllowed)
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, malformed(err)
	}

	env := &Envelope{
		SessionID:       h.Get(SessionIDHeader),
		ProtocolVersion: h.Get(ProtocolVersionHeader),
	}

	switch msg.Type() {
	case jsonrpc.TypeRequest:
		env.Request = msg.AsRequest()
		if env.Request.Method == string(mcp.InitializeMethod) {
			env.Kind = KindInitialize
		} else {
			env.Kind = KindCall
		}
	case jsonrpc.TypeNotification:
		env.Request = msg.AsRequest()
		if mcp.RequiresReply(mcp.Method(env.Request.Method)) {
			return nil, malformed(fmt.Errorf("request %q requires an id", env.Request.Method))
		}
		env.Kind = KindEvent
	default:
		env.Response = msg.AsResponse()
		if env.Response.IsError() {
			env.Kind = KindError
		} else {
			env.Kind = KindResponse
		}
	}

	if env.SessionID == "" && env.Kind != KindInitialize && d.RequireSession {
		return nil, &DecodeError{Reason: ReasonMissingSession, ID: env.ID()}
	}

	return env, nil
}

// DecodeTermination classifies a body-less termination request.
func (d Decoder) DecodeTermination(h http.Header) (*Envelope, error) {
	sid := h.Get(SessionIDHeader)
	if sid == "" {
		return nil, &DecodeError{Reason: ReasonMissingSession}
	}
	return &Envelope{
		Kind:            KindTermination,
		SessionID:       sid,
		ProtocolVersion: h.Get(ProtocolVersionHeader),
	}, nil
}

// Encode renders the envelope's JSON-RPC message.
func Encode(env *Envelope) ([]byte, error) {
	switch {
	case env == nil:
		return nil, errors.New("nil envelope")
	case env.Request != nil:
		return json.Marshal(env.Request)
	case env.Response != nil:
		return json.Marshal(env.Response)
	default:
		return nil, fmt.Errorf("envelope of kind %s has no message", env.Kind)
	}
}

// EncodeResponse is a shorthand for encoding a bare response.
func EncodeResponse(res *jsonrpc.Response) ([]byte, error) {
	kind := KindResponse
	if res.IsError() {
		kind = KindError
	}
	return Encode(&Envelope{Kind: kind, Response: res})
}
