package mcpservice

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/mcp-sessions-go/mcp"
	"github.com/ggoodman/mcp-sessions-go/sessions"
)

// ToolResponseWriter is how a tool handler builds its result and reaches the
// client while the call runs. Events it sends are correlated with the call,
// so they travel on the call's own response stream.
//
// A writer is only valid until the handler returns.
type ToolResponseWriter interface {
	// AppendText adds a text block to the result. Empty text is ignored.
	AppendText(text string) error
	// SetError marks the result as a tool-level failure (isError).
	SetError(isError bool)
	// Progress reports progress when the client asked for it, and is a no-op
	// otherwise.
	Progress(progress, total float64, message string) error
	// Log sends a notifications/message event for this call. Stateless
	// sessions drop it.
	Log(level mcp.LoggingLevel, data any) error
}

// ErrToolReturned is returned by writes after the handler has returned.
var ErrToolReturned = errors.New("tool handler already returned")

type toolResponseWriter struct {
	ctx  context.Context
	name string

	mu      sync.Mutex
	sealed  bool
	content []mcp.ContentBlock
	isError bool
}

func newToolResponseWriter(ctx context.Context, name string) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx, name: name}
}

func (w *toolResponseWriter) AppendText(text string) error {
	if err := w.check(); err != nil || text == "" {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.content = append(w.content, mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) Progress(progress, total float64, message string) error {
	if err := w.check(); err != nil {
		return err
	}
	pr, ok := ProgressFrom(w.ctx)
	if !ok {
		return nil
	}
	return pr.Report(w.ctx, progress, total, message)
}

func (w *toolResponseWriter) Log(level mcp.LoggingLevel, data any) error {
	if err := w.check(); err != nil {
		return err
	}
	em, ok := sessions.EmitterFromContext(w.ctx)
	if !ok {
		return nil
	}
	return em.Notify(w.ctx, string(mcp.LoggingMessageMethod), mcp.LoggingMessageParams{
		Level:  level,
		Logger: w.name,
		Data:   data,
	})
}

// check rejects writes once sealed or once the call is cancelled.
func (w *toolResponseWriter) check() error {
	w.mu.Lock()
	sealed := w.sealed
	w.mu.Unlock()
	if sealed {
		return ErrToolReturned
	}
	return w.ctx.Err()
}

// seal ends the writer's life and returns the accumulated result.
func (w *toolResponseWriter) seal() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealed = true
	return &mcp.CallToolResult{
		Content: append([]mcp.ContentBlock{}, w.content...),
		IsError: w.isError,
	}
}
