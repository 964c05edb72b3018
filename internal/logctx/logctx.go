// Package logctx carries log attributes on a context so that every record
// written while serving a request names the HTTP request, session and call it
// belongs to.
//
// Scopes nest: a request scope is opened by the transport, the session scope
// is added once the session is known, and the call scope once a message is
// decoded. Each With* call returns a new context and never mutates the
// parent's scope.
package logctx

import (
	"context"
	"log/slog"
)

// Request identifies one inbound HTTP request.
type Request struct {
	ID         string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

// Session identifies the session a record belongs to.
type Session struct {
	ID        string
	UserID    string
	Stateless bool
}

// Call identifies the JSON-RPC message being handled.
type Call struct {
	ID     string
	Method string
	Kind   string
	Tool   string
}

type scope struct {
	req  *Request
	sess *Session
	call *Call
}

type scopeKey struct{}

func from(ctx context.Context) scope {
	sc, _ := ctx.Value(scopeKey{}).(scope)
	return sc
}

// WithRequest opens the request scope.
func WithRequest(ctx context.Context, req Request) context.Context {
	sc := from(ctx)
	sc.req = &req
	return context.WithValue(ctx, scopeKey{}, sc)
}

// WithSession sets the session scope.
func WithSession(ctx context.Context, sess Session) context.Context {
	sc := from(ctx)
	sc.sess = &sess
	return context.WithValue(ctx, scopeKey{}, sc)
}

// WithCall sets the call scope, replacing any previous one.
func WithCall(ctx context.Context, call Call) context.Context {
	sc := from(ctx)
	sc.call = &call
	return context.WithValue(ctx, scopeKey{}, sc)
}

// WithTool records the tool a tools/call resolved to.
func WithTool(ctx context.Context, name string) context.Context {
	sc := from(ctx)
	call := Call{Tool: name}
	if sc.call != nil {
		call = *sc.call
		call.Tool = name
	}
	sc.call = &call
	return context.WithValue(ctx, scopeKey{}, sc)
}

// Handler appends the scopes found on the record's context as the groups
// req, sess and call. Empty fields are left out.
type Handler struct {
	next slog.Handler
}

// Wrap returns h wrapped in a Handler unless it already is one.
func Wrap(h slog.Handler) slog.Handler {
	if _, ok := h.(*Handler); ok {
		return h
	}
	return &Handler{next: h}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	sc := from(ctx)
	if sc.req != nil {
		r.AddAttrs(group("req",
			str("id", sc.req.ID),
			str("method", sc.req.Method),
			str("path", sc.req.Path),
			str("remote_addr", sc.req.RemoteAddr),
			str("user_agent", sc.req.UserAgent),
		))
	}
	if sc.sess != nil {
		attrs := []slog.Attr{str("id", sc.sess.ID), str("user_id", sc.sess.UserID)}
		if sc.sess.Stateless {
			attrs = append(attrs, slog.Bool("stateless", true))
		}
		r.AddAttrs(group("sess", attrs...))
	}
	if sc.call != nil {
		r.AddAttrs(group("call",
			str("id", sc.call.ID),
			str("method", sc.call.Method),
			str("kind", sc.call.Kind),
			str("tool", sc.call.Tool),
		))
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// str returns an empty Attr for an empty value; slog drops those.
func str(key, value string) slog.Attr {
	if value == "" {
		return slog.Attr{}
	}
	return slog.String(key, value)
}

func group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}
