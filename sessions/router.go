package sessions

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolRouter executes a decoded call on behalf of a session.
//
// Returning a *ToolError produces an error envelope with the given code.
// Any other error, or a panic, is treated as an internal fault.
type ToolRouter interface {
	Invoke(ctx context.Context, method string, params json.RawMessage, caller any) (any, error)
}

// ToolRouterFunc adapts a function to ToolRouter.
type ToolRouterFunc func(ctx context.Context, method string, params json.RawMessage, caller any) (any, error)

func (f ToolRouterFunc) Invoke(ctx context.Context, method string, params json.RawMessage, caller any) (any, error) {
	return f(ctx, method, params, caller)
}

// ToolError is a router failure with a JSON-RPC error code. A zero Code
// means internal error.
type ToolError struct {
	Code    int
	Message string
	Data    any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// NewToolError builds a ToolError with a formatted message.
func NewToolError(code int, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Emitter sends server-to-client notifications tied to the call in progress.
type Emitter interface {
	Notify(ctx context.Context, method string, params any) error
}

type emitterKey struct{}

// EmitterFromContext returns the Emitter of the call executing on ctx.
func EmitterFromContext(ctx context.Context) (Emitter, bool) {
	em, ok := ctx.Value(emitterKey{}).(Emitter)
	return em, ok && em != nil
}

func withEmitter(ctx context.Context, em Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, em)
}
