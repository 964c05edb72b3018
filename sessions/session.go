package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sessions-go/eventlog"
	"github.com/ggoodman/mcp-sessions-go/internal/codec"
	"github.com/ggoodman/mcp-sessions-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessions-go/internal/metrics"
)

// maxIDAttempts bounds id allocation retries on collision.
const maxIDAttempts = 3

// Session binds one logical client connection to its id, event log and
// pending calls. Create sessions with Registry.NewSession.
type Session struct {
	reg       *Registry
	router    ToolRouter
	log       *slog.Logger
	metrics   *metrics.Metrics
	stateless bool

	done chan struct{}

	mu         sync.Mutex
	id         string
	state      State
	events     eventlog.Log
	pending    map[string]*Call
	subs       map[*Subscription]struct{}
	calls      int
	lastActive time.Time
}

// ID returns the session id, empty before Initialize.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stateless reports whether the session keeps no event log.
func (s *Session) Stateless() bool { return s.stateless }

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Pending returns the number of calls in flight.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Initialize allocates the session id, registers the session and opens it.
// A second call fails with ErrAlreadyInitialized and changes nothing.
func (s *Session) Initialize(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.id != "":
		return "", ErrAlreadyInitialized
	case s.state != StateInitializing:
		return "", ErrSessionClosed
	}

	var id string
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		candidate := s.reg.newID()
		err := s.reg.create(candidate, s)
		if errors.Is(err, ErrDuplicateSessionID) {
			s.log.WarnContext(ctx, "session.initialize.id_collision", slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return "", err
		}
		id = candidate
		break
	}
	if id == "" {
		return "", fmt.Errorf("allocate session id: %w", ErrDuplicateSessionID)
	}

	if !s.stateless {
		events, err := s.reg.newLog(ctx, id)
		if err != nil {
			s.reg.remove(id)
			return "", fmt.Errorf("create event log: %w", err)
		}
		s.events = events
	}

	s.id = id
	s.state = StateOpen
	s.lastActive = s.reg.clock.Now()
	s.metrics.SessionOpened()

	s.log.DebugContext(ctx, "session.initialize.ok", slog.String("session_id", id), slog.Bool("stateless", s.stateless))
	return id, nil
}

// SubmitCall registers the call id and hands the call to the router on a
// separate goroutine. Cancelling ctx does not cancel the call.
func (s *Session) SubmitCall(ctx context.Context, id *jsonrpc.RequestID, method string, params json.RawMessage, caller any) (*Call, error) {
	key := id.Key()
	if key == "" {
		return nil, ErrMissingCallID
	}

	s.mu.Lock()
	switch s.state {
	case StateOpen:
	case StateInitializing:
		s.mu.Unlock()
		return nil, ErrNotInitialized
	default:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, dup := s.pending[key]; dup {
		s.mu.Unlock()
		s.metrics.CallFinished(metrics.OutcomeDuplicate)
		return nil, ErrDuplicateCall
	}

	s.calls++
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	call := &Call{
		id:     id,
		key:    key,
		method: method,
		first:  s.calls == 1,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.pending[key] = call
	s.lastActive = s.reg.clock.Now()
	s.mu.Unlock()

	go s.run(callCtx, call, params, caller)

	return call, nil
}

// Cancel cancels the context of the pending call with the given id. The
// call's response is not recorded.
func (s *Session) Cancel(id *jsonrpc.RequestID) bool {
	s.mu.Lock()
	call, ok := s.pending[id.Key()]
	s.mu.Unlock()
	if !ok {
		return false
	}
	call.mu.Lock()
	call.cancelled = true
	call.mu.Unlock()
	call.cancel()
	return true
}

func (s *Session) run(ctx context.Context, call *Call, params json.RawMessage, caller any) {
	defer call.cancel()

	start := time.Now()
	ctx = withEmitter(ctx, &callEmitter{s: s, key: call.key})

	result, fault, err := s.invoke(ctx, call, params, caller)
	resp := s.buildResponse(ctx, call, result, err)

	s.mu.Lock()
	delete(s.pending, call.key)
	s.mu.Unlock()

	outcome := metrics.OutcomeOK
	switch {
	case call.Cancelled():
		outcome = metrics.OutcomeCancelled
	case fault:
		outcome = metrics.OutcomeFault
	case resp.IsError():
		outcome = metrics.OutcomeToolError
	}
	s.metrics.CallFinished(outcome)

	var seq uint64
	if !s.stateless && !call.Cancelled() {
		seq = s.appendResponse(ctx, call, resp)
	}

	s.log.DebugContext(ctx, "session.call.done",
		slog.String("method", call.method),
		slog.String("outcome", outcome),
		slog.Uint64("seq", seq),
		slog.Duration("dur", time.Since(start)),
	)

	call.finish(resp, seq, fault)
}

func (s *Session) appendResponse(ctx context.Context, call *Call, resp *jsonrpc.Response) uint64 {
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		s.log.ErrorContext(ctx, "session.call.encode.fail", slog.String("err", err.Error()))
		return 0
	}
	seq, err := s.append(ctx, call.key, data)
	if err != nil {
		// Nobody can receive it any more.
		s.log.DebugContext(ctx, "session.call.discard", slog.String("method", call.method), slog.String("err", err.Error()))
		return 0
	}
	return seq
}

// invoke calls the router, turning a panic into a fault.
func (s *Session) invoke(ctx context.Context, call *Call, params json.RawMessage, caller any) (result any, fault bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "session.call.panic",
				slog.String("method", call.method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result, fault, err = nil, true, fmt.Errorf("panic: %v", r)
		}
	}()

	result, err = s.router.Invoke(ctx, call.method, params, caller)
	if err != nil {
		var te *ToolError
		fault = !errors.As(err, &te)
	}
	return result, fault, err
}

func (s *Session) buildResponse(ctx context.Context, call *Call, result any, err error) *jsonrpc.Response {
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			code := jsonrpc.ErrorCode(te.Code)
			if code == 0 {
				code = jsonrpc.ErrorCodeInternalError
			}
			return jsonrpc.NewErrorResponse(call.id, code, te.Message, te.Data)
		}
		s.log.WarnContext(ctx, "session.call.fail", slog.String("method", call.method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(call.id, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}

	resp, mErr := jsonrpc.NewResultResponse(call.id, result)
	if mErr != nil {
		s.log.ErrorContext(ctx, "session.call.marshal.fail", slog.String("method", call.method), slog.String("err", mErr.Error()))
		return jsonrpc.NewErrorResponse(call.id, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}
	return resp
}

// Emit appends a server-to-client event that belongs to the session as a
// whole. Stateless sessions drop it.
func (s *Session) Emit(ctx context.Context, method string, params any) error {
	return s.notify(ctx, "", method, params)
}

func (s *Session) notify(ctx context.Context, key, method string, params any) error {
	if s.stateless {
		return nil
	}
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := codec.Encode(&codec.Envelope{Kind: codec.KindEvent, Request: req})
	if err != nil {
		return err
	}
	_, err = s.append(ctx, key, data)
	return err
}

// append writes one event and wakes subscribers. Holding the session lock
// across the log append orders it against Subscribe.
func (s *Session) append(ctx context.Context, key string, data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.events == nil {
		return 0, ErrSessionClosed
	}

	seq, err := s.events.Append(ctx, eventlog.Event{RequestID: key, Data: data})
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	for sub := range s.subs {
		sub.notify()
	}
	s.lastActive = s.reg.clock.Now()
	s.metrics.EventAppended()
	return seq, nil
}

// Subscribe returns a cursor positioned at seq. A zero seq starts after the
// last event currently in the log, and so does a seq past the tail: such a
// caller is already caught up and must still see the next append.
func (s *Session) Subscribe(seq uint64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stateless {
		return nil, ErrNotStreaming
	}
	if s.state != StateOpen {
		return nil, ErrSessionClosed
	}

	last := s.events.Last()
	if seq == 0 || seq > last+1 {
		seq = last + 1
	}
	if seq <= last {
		// Surface eviction now rather than mid-stream.
		for _, err := range s.events.ReplayFrom(context.Background(), seq) {
			if errors.Is(err, eventlog.ErrTruncated) {
				return nil, err
			}
			break
		}
	}

	sub := &Subscription{
		s:      s,
		events: s.events,
		cursor: seq,
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	s.lastActive = s.reg.clock.Now()
	return sub, nil
}

// lagged records a live subscriber that fell behind a bounded log.
func (s *Session) lagged(ctx context.Context, from, oldest uint64) {
	s.log.WarnContext(ctx, "session.subscription.lag",
		slog.Uint64("from", from),
		slog.Uint64("oldest", oldest),
		slog.Uint64("skipped", oldest-from),
	)
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Terminate closes the session. It is idempotent.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing

	for sub := range s.subs {
		sub.close()
	}
	s.subs = nil

	if s.id != "" {
		s.reg.remove(s.id)
		s.metrics.SessionClosed()
	}
	events := s.events
	s.events = nil
	id, pending := s.id, len(s.pending)

	s.state = StateClosed
	close(s.done)
	s.mu.Unlock()

	s.log.DebugContext(ctx, "session.terminate", slog.String("session_id", id), slog.Int("pending", pending))

	if events != nil {
		if err := events.Close(ctx); err != nil {
			return fmt.Errorf("discard event log: %w", err)
		}
	}
	return nil
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || len(s.pending) > 0 || len(s.subs) > 0 {
		return time.Time{}, false
	}
	return s.lastActive, true
}

type callEmitter struct {
	s   *Session
	key string
}

func (e *callEmitter) Notify(ctx context.Context, method string, params any) error {
	return e.s.notify(ctx, e.key, method, params)
}
