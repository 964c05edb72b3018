package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-sessions-go/auth"
	"github.com/ggoodman/mcp-sessions-go/eventlog"
	"github.com/ggoodman/mcp-sessions-go/internal/codec"
	"github.com/ggoodman/mcp-sessions-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessions-go/internal/logctx"
	"github.com/ggoodman/mcp-sessions-go/internal/metrics"
	"github.com/ggoodman/mcp-sessions-go/mcp"
	"github.com/ggoodman/mcp-sessions-go/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	postMediaTypes        = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// maxBodyBytes bounds a single POST body.
	maxBodyBytes = 4 << 20
)

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Its handler is wrapped so request, session and
// rpc attributes from the context are attached to every record.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = slog.New(logctx.Wrap(l.Handler()))
		}
	}
}

// WithEndpointPath sets the path the transport is served on. Defaults to /mcp.
func WithEndpointPath(p string) Option {
	return func(h *Handler) { h.endpoint = p }
}

// WithAuthenticator requires a bearer token on every request. The verified
// UserInfo is handed to sessions as the opaque caller value.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithResourceMetadataURL sets the protected resource metadata URL advertised
// in WWW-Authenticate challenges.
func WithResourceMetadataURL(u string) Option {
	return func(h *Handler) { h.resourceMetadataURL = u }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.serverInfo = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(h *Handler) { h.instructions = s }
}

// WithMetrics records open streams.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler is the MCP streamable HTTP transport. It maps POST, GET and DELETE
// requests on a single endpoint onto sessions held in a Registry. Whether it
// runs stateful or stateless follows the Registry.
type Handler struct {
	reg    *sessions.Registry
	router sessions.ToolRouter

	log                 *slog.Logger
	endpoint            string
	stateless           bool
	auth                auth.Authenticator
	resourceMetadataURL string
	serverInfo          mcp.ImplementationInfo
	instructions        string
	metrics             *metrics.Metrics

	decoder codec.Decoder
	mux     *http.ServeMux
}

// New constructs a Handler serving sessions from reg, each of which
// delegates calls to router.
func New(reg *sessions.Registry, router sessions.ToolRouter, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}

	h := &Handler{
		reg:        reg,
		router:     router,
		log:        slog.New(logctx.Wrap(slog.Default().Handler())),
		endpoint:   "/mcp",
		serverInfo: mcp.ImplementationInfo{Name: "mcp-sessions-go", Version: "0.1.0"},
	}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(h.endpoint, "/") {
		return nil, fmt.Errorf("endpoint path must be absolute: %q", h.endpoint)
	}
	h.stateless = reg.Stateless()
	h.decoder = codec.Decoder{RequireSession: !h.stateless}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+h.endpoint, h.recoverer(h.handlePostMCP))
	mux.HandleFunc("GET "+h.endpoint, h.recoverer(h.handleGetMCP))
	mux.HandleFunc("DELETE "+h.endpoint, h.recoverer(h.handleDeleteMCP))
	h.mux = mux
	return h, nil
}

// EndpointPath returns the path the transport is served on.
func (h *Handler) EndpointPath() string { return h.endpoint }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequest(r.Context(), logctx.Request{
		ID:         uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// recoverer turns a panic into a 500 internal-error envelope when nothing
// has been written yet.
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wrote := false
		ww := httpsnoop.Wrap(w, httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					wrote = true
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(b []byte) (int, error) {
					wrote = true
					return next(b)
				}
			},
		})
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			h.log.ErrorContext(r.Context(), "http.panic",
				slog.Any("panic", v),
				slog.String("stack", string(debug.Stack())),
			)
			if !wrote {
				writeError(ww, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "Internal server error")
			}
		}()
		next(ww, r)
	}
}

// handlePostMCP handles the POST endpoint, which carries initialize
// requests, calls, notifications and client responses.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeServerError, "Unsupported Media Type: Content-Type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, postMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, nil, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept application/json or text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	_, _, sseErr := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	wantsStream := sseErr == nil

	caller, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, nil, jsonrpc.ErrorCodeServerError, "Request Entity Too Large")
		} else {
			writeError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error")
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	env, err := h.decoder.Decode(body, r.Header)
	if err != nil {
		h.writeDecodeError(ctx, w, err)
		return
	}
	if !h.checkProtocolVersion(ctx, w, env) {
		return
	}

	ctx = logctx.WithCall(ctx, logctx.Call{
		ID:     env.ID().String(),
		Method: env.Method(),
		Kind:   env.Kind.String(),
	})

	if h.stateless {
		h.serveStateless(ctx, w, env, caller)
		h.log.DebugContext(ctx, "http.post.done", slog.Duration("dur", time.Since(start)))
		return
	}

	if env.Kind == codec.KindInitialize && env.SessionID == "" {
		h.initializeSession(ctx, w, env, caller)
		h.log.DebugContext(ctx, "http.post.done", slog.Duration("dur", time.Since(start)))
		return
	}

	sess, ok := h.lookupSession(ctx, w, env.SessionID, env.ID())
	if !ok {
		return
	}
	ctx = withSessionScope(ctx, sess, caller)

	switch env.Kind {
	case codec.KindInitialize:
		writeError(w, http.StatusConflict, env.ID(), jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	case codec.KindCall:
		if wantsStream {
			h.streamCall(ctx, w, sess, env, caller)
		} else {
			h.bufferCall(ctx, w, sess, env, caller)
		}
	case codec.KindEvent:
		h.handleNotification(ctx, sess, env)
		w.WriteHeader(http.StatusAccepted)
	case codec.KindResponse, codec.KindError:
		// The server never issues requests, so there is nothing to correlate.
		h.log.DebugContext(ctx, "response.inbound.ignored")
		w.WriteHeader(http.StatusAccepted)
	}
	h.log.DebugContext(ctx, "http.post.done", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) initializeSession(ctx context.Context, w http.ResponseWriter, env *codec.Envelope, caller any) {
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(env.Request.Params, &initReq); err != nil {
		writeError(w, http.StatusBadRequest, env.ID(), jsonrpc.ErrorCodeInvalidParams, "Invalid params: malformed initialize request")
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	sess := h.reg.NewSession(h.router)
	id, err := sess.Initialize(ctx)
	if err != nil {
		h.writeInitializeError(ctx, w, env.ID(), err)
		return
	}
	ctx = withSessionScope(ctx, sess, caller)

	res := h.initializeResult(initReq.ProtocolVersion)
	resp, err := jsonrpc.NewResultResponse(env.ID(), res)
	if err != nil {
		_ = sess.Terminate(ctx)
		writeError(w, http.StatusInternalServerError, env.ID(), jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(codec.SessionIDHeader, id)
	w.Header().Set(codec.ProtocolVersionHeader, res.ProtocolVersion)
	writeJSON(w, http.StatusOK, resp)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("client", initReq.ClientInfo.Name))
}

func (h *Handler) initializeResult(requested string) *mcp.InitializeResult {
	res := &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(requested),
		ServerInfo:      h.serverInfo,
		Instructions:    h.instructions,
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	return res
}

// streamCall submits a call and streams the events it produces as SSE until
// its own response has been written.
func (h *Handler) streamCall(ctx context.Context, w http.ResponseWriter, sess *sessions.Session, env *codec.Envelope, caller any) {
	sub, err := sess.Subscribe(0)
	if err != nil {
		h.writeSessionError(ctx, w, env.ID(), err)
		return
	}
	defer sub.Close()

	call, ok := h.submit(ctx, w, sess, env, caller)
	if !ok {
		return
	}

	sw, err := newStreamWriter(ctx, w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, env.ID(), jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	// A cancelled call never appends a response, so stop waiting for one.
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-call.Done():
			if call.Cancelled() {
				stop()
			}
		case <-streamCtx.Done():
		}
	}()

	for ev, err := range sub.Events(streamCtx) {
		if err != nil {
			h.log.ErrorContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
			h.finishFromCall(ctx, w, sw, call)
			return
		}
		if ev.RequestID != call.Key() {
			continue
		}
		if !isResponse(ev.Data) {
			if err := sw.writeEvent(ev); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			continue
		}

		<-call.Done()
		if call.Fault() && call.First() && !sw.started {
			writeError(w, http.StatusInternalServerError, env.ID(), jsonrpc.ErrorCodeInternalError, "Internal server error")
			h.log.WarnContext(ctx, "rpc.call.fault")
			return
		}
		if err := sw.writeEvent(ev); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.DebugContext(ctx, "rpc.call.ok", slog.Uint64("seq", ev.Seq))
		return
	}

	// Cancelled, terminated or the client left. Commit whatever we have.
	sw.start()
	h.log.DebugContext(ctx, "sse.stream.end", slog.Bool("cancelled", call.Cancelled()))
}

// finishFromCall completes a POST stream from the call handle when the event
// log can no longer deliver the response.
func (h *Handler) finishFromCall(ctx context.Context, w http.ResponseWriter, sw *streamWriter, call *sessions.Call) {
	select {
	case <-call.Done():
	case <-ctx.Done():
		return
	}
	switch {
	case call.Cancelled():
		sw.start()
	case call.Fault() && call.First() && !sw.started:
		writeError(w, http.StatusInternalServerError, call.ID(), jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.WarnContext(ctx, "rpc.call.fault")
	default:
		data, err := codec.EncodeResponse(call.Response())
		if err != nil {
			sw.start()
			h.log.ErrorContext(ctx, "rpc.call.encode.fail", slog.String("err", err.Error()))
			return
		}
		if err := sw.writeEvent(eventlog.Event{Seq: call.Seq(), Data: data}); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		}
	}
}

// bufferCall serves a call to a client that only accepts application/json.
func (h *Handler) bufferCall(ctx context.Context, w http.ResponseWriter, sess *sessions.Session, env *codec.Envelope, caller any) {
	call, ok := h.submit(ctx, w, sess, env, caller)
	if !ok {
		return
	}
	h.writeCallResult(ctx, w, call)
}

func (h *Handler) writeCallResult(ctx context.Context, w http.ResponseWriter, call *sessions.Call) {
	select {
	case <-call.Done():
	case <-ctx.Done():
		h.log.InfoContext(ctx, "rpc.call.detached")
		return
	}
	switch {
	case call.Cancelled():
		w.WriteHeader(http.StatusAccepted)
	case call.Fault() && call.First():
		writeError(w, http.StatusInternalServerError, call.ID(), jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.WarnContext(ctx, "rpc.call.fault")
	default:
		writeJSON(w, http.StatusOK, call.Response())
	}
}

func (h *Handler) submit(ctx context.Context, w http.ResponseWriter, sess *sessions.Session, env *codec.Envelope, caller any) (*sessions.Call, bool) {
	call, err := sess.SubmitCall(ctx, env.ID(), env.Method(), env.Request.Params, caller)
	if err == nil {
		return call, true
	}
	if errors.Is(err, sessions.ErrDuplicateCall) {
		writeJSON(w, http.StatusOK, jsonrpc.NewErrorResponse(env.ID(), jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: duplicate request id", nil))
		h.log.WarnContext(ctx, "rpc.call.duplicate")
		return nil, false
	}
	h.writeSessionError(ctx, w, env.ID(), err)
	return nil, false
}

func (h *Handler) handleNotification(ctx context.Context, sess *sessions.Session, env *codec.Envelope) {
	switch mcp.Method(env.Method()) {
	case mcp.CancelledNotificationMethod:
		var n mcp.CancelledNotification
		if err := json.Unmarshal(env.Request.Params, &n); err != nil {
			h.log.InfoContext(ctx, "notification.cancelled.invalid", slog.String("err", err.Error()))
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(n.RequestID, &id); err != nil {
			h.log.InfoContext(ctx, "notification.cancelled.invalid", slog.String("err", err.Error()))
			return
		}
		ok := sess.Cancel(&id)
		h.log.DebugContext(ctx, "notification.cancelled", slog.Bool("found", ok), slog.String("reason", n.Reason))
	default:
		h.log.DebugContext(ctx, "notification.inbound.ok")
	}
}

// serveStateless runs one envelope on an ephemeral session that is gone by
// the time the handler returns.
func (h *Handler) serveStateless(ctx context.Context, w http.ResponseWriter, env *codec.Envelope, caller any) {
	switch env.Kind {
	case codec.KindEvent, codec.KindResponse, codec.KindError:
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sess := h.reg.NewSession(h.router)
	if _, err := sess.Initialize(ctx); err != nil {
		h.writeInitializeError(ctx, w, env.ID(), err)
		return
	}
	defer func() {
		if err := sess.Terminate(context.WithoutCancel(ctx)); err != nil {
			h.log.WarnContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
		}
	}()
	ctx = withSessionScope(ctx, sess, caller)

	if env.Kind == codec.KindInitialize {
		var initReq mcp.InitializeRequest
		if err := json.Unmarshal(env.Request.Params, &initReq); err != nil {
			writeError(w, http.StatusBadRequest, env.ID(), jsonrpc.ErrorCodeInvalidParams, "Invalid params: malformed initialize request")
			return
		}
		res := h.initializeResult(initReq.ProtocolVersion)
		resp, err := jsonrpc.NewResultResponse(env.ID(), res)
		if err != nil {
			writeError(w, http.StatusInternalServerError, env.ID(), jsonrpc.ErrorCodeInternalError, "Internal server error")
			return
		}
		w.Header().Set(codec.ProtocolVersionHeader, res.ProtocolVersion)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	call, ok := h.submit(ctx, w, sess, env, caller)
	if !ok {
		return
	}
	h.writeCallResult(ctx, w, call)
}

// handleGetMCP handles the GET endpoint, which streams every event of an
// established session, optionally resuming after Last-Event-ID.
//
// Last-Event-ID names the last event the client received, so a value of N
// resumes delivery at N+1. A value past the log tail behaves like no value:
// the stream starts with the next event appended.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.stateless {
		writeError(w, http.StatusMethodNotAllowed, nil, jsonrpc.ErrorCodeServerError, "Method not allowed.")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, nil, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	caller, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	env, err := h.decoder.DecodeTermination(r.Header)
	if err != nil {
		h.writeDecodeError(ctx, w, err)
		return
	}
	if !h.checkProtocolVersion(ctx, w, env) {
		return
	}
	sess, ok := h.lookupSession(ctx, w, env.SessionID, nil)
	if !ok {
		return
	}
	ctx = withSessionScope(ctx, sess, caller)

	var from uint64
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		last, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, "Bad Request: invalid Last-Event-ID")
			h.log.InfoContext(ctx, "sse.resume.invalid", slog.String("last_event_id", v))
			return
		}
		from = last + 1
		if from == 0 {
			from = math.MaxUint64
		}
	}

	sub, err := sess.Subscribe(from)
	if err != nil {
		h.writeSessionError(ctx, w, nil, err)
		return
	}
	defer sub.Close()

	sw, err := newStreamWriter(ctx, w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	sw.start()
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()
	h.log.InfoContext(ctx, "sse.stream.start", slog.Uint64("from", sub.Cursor()))

	delivered := 0
	for ev, err := range sub.Events(ctx) {
		if err != nil {
			h.log.ErrorContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
			break
		}
		if err := sw.writeEvent(ev); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			break
		}
		delivered++
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Int("delivered", delivered), slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates a session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.stateless {
		writeError(w, http.StatusMethodNotAllowed, nil, jsonrpc.ErrorCodeServerError, "Method not allowed.")
		return
	}

	caller, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	env, err := h.decoder.DecodeTermination(r.Header)
	if err != nil {
		h.writeDecodeError(ctx, w, err)
		return
	}
	sess, ok := h.lookupSession(ctx, w, env.SessionID, nil)
	if !ok {
		return
	}
	ctx = withSessionScope(ctx, sess, caller)

	if err := sess.Terminate(ctx); err != nil {
		h.log.WarnContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// authenticate verifies the bearer token when an Authenticator is
// configured. On failure the challenge has already been written.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, bool) {
	if h.auth == nil {
		return nil, true
	}

	tok, ok := auth.BearerToken(r)
	if !ok {
		c := auth.NewChallenge(h.resourceMetadataURL, nil)
		w.Header().Set(wwwAuthenticateHeader, c.WWWAuthenticate)
		writeError(w, c.Status, nil, jsonrpc.ErrorCodeServerError, "Unauthorized")
		h.log.InfoContext(ctx, "auth.check.missing")
		return nil, false
	}

	ui, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) && !errors.Is(err, auth.ErrInsufficientScope) {
			writeError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "Internal server error")
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			return nil, false
		}
		c := auth.NewChallenge(h.resourceMetadataURL, err)
		w.Header().Set(wwwAuthenticateHeader, c.WWWAuthenticate)
		msg := "Unauthorized"
		if c.Status == http.StatusForbidden {
			msg = "Forbidden"
		}
		writeError(w, c.Status, nil, jsonrpc.ErrorCodeServerError, msg)
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, false
	}
	return ui, true
}

func (h *Handler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, env *codec.Envelope) bool {
	if env.ProtocolVersion == "" || mcp.IsSupportedProtocolVersion(env.ProtocolVersion) {
		return true
	}
	writeError(w, http.StatusBadRequest, env.ID(), jsonrpc.ErrorCodeServerError, "Bad Request: Unsupported protocol version")
	h.log.WarnContext(ctx, "protocol.version.unsupported", slog.String("client_version", env.ProtocolVersion))
	return false
}

func (h *Handler) lookupSession(ctx context.Context, w http.ResponseWriter, id string, rid *jsonrpc.RequestID) (*sessions.Session, bool) {
	sess, err := h.reg.Lookup(id)
	if err != nil {
		h.writeSessionError(ctx, w, rid, err)
		return nil, false
	}
	return sess, true
}

// writeSessionError maps session lookup and lifecycle errors. A session that
// closed between lookup and use is reported as not found.
func (h *Handler) writeSessionError(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, err error) {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, sessions.ErrSessionClosed):
		writeError(w, http.StatusNotFound, id, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
		h.log.InfoContext(ctx, "session.load.miss")
	case errors.Is(err, eventlog.ErrTruncated):
		writeError(w, http.StatusBadRequest, id, jsonrpc.ErrorCodeServerError, "Bad Request: Last-Event-ID is no longer available")
		h.log.InfoContext(ctx, "sse.resume.truncated")
	default:
		writeError(w, http.StatusInternalServerError, id, jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "session.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeInitializeError(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, err error) {
	if errors.Is(err, sessions.ErrRegistryClosed) {
		writeError(w, http.StatusServiceUnavailable, id, jsonrpc.ErrorCodeServerError, "Service Unavailable: server is shutting down")
		h.log.InfoContext(ctx, "session.initialize.shutdown")
		return
	}
	writeError(w, http.StatusInternalServerError, id, jsonrpc.ErrorCodeInternalError, "Internal server error")
	h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
}

func (h *Handler) writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	var de *codec.DecodeError
	if !errors.As(err, &de) {
		writeError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error")
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	writeError(w, de.Status(), de.ID, de.Code(), de.Message())
	h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("reason", string(de.Reason)), slog.String("err", err.Error()))
}

func withSessionScope(ctx context.Context, sess *sessions.Session, caller any) context.Context {
	sd := logctx.Session{ID: sess.ID(), Stateless: sess.Stateless()}
	if ui, ok := auth.UserFrom(caller); ok {
		sd.UserID = ui.UserID()
	}
	return logctx.WithSession(ctx, sd)
}

// isResponse reports whether an encoded event is a JSON-RPC response rather
// than a notification.
func isResponse(data []byte) bool {
	var head struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.Method == ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON-RPC error envelope. id may be nil.
func writeError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(id, code, msg, nil))
}
