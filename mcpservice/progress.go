package mcpservice

import (
	"context"

	"github.com/ggoodman/mcp-sessions-go/mcp"
	"github.com/ggoodman/mcp-sessions-go/sessions"
)

// ProgressReporter emits notifications/progress correlated to the current
// request. The router installs one when the client supplied a progress token.
type ProgressReporter interface {
	// Report emits a progress update. total may be zero when unknown.
	Report(ctx context.Context, progress, total float64, message string) error
}

type progressKey struct{}

// WithProgressReporter returns a new context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves a ProgressReporter from the context if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}

// emitterProgress turns progress reports into session events.
type emitterProgress struct {
	em    sessions.Emitter
	token mcp.ProgressToken
}

func (p emitterProgress) Report(ctx context.Context, progress, total float64, message string) error {
	return p.em.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}
