package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sessions-go/auth"
	"github.com/ggoodman/mcp-sessions-go/auth/authtest"
	"github.com/ggoodman/mcp-sessions-go/eventlog"
	"github.com/ggoodman/mcp-sessions-go/eventlog/memlog"
	"github.com/ggoodman/mcp-sessions-go/examples/greeter"
	"github.com/ggoodman/mcp-sessions-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessions-go/mcp"
	"github.com/ggoodman/mcp-sessions-go/mcpservice"
	"github.com/ggoodman/mcp-sessions-go/sessions"
	"github.com/ggoodman/mcp-sessions-go/streaminghttp"
)

const testProtocolVersion = "2025-06-18"

func TestSingleInstance(t *testing.T) {
	t.Run("Initialize returns session and tools capability", func(t *testing.T) {
		srv, _ := mustServer(t)

		resp, evt := mustPostMCP(t, srv, "", "", initializeRequest(1))
		defer resp.Body.Close()

		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if resp.Header.Get("Mcp-Session-Id") == "" {
			t.Fatalf("missing mcp-session-id header")
		}
		if got := resp.Header.Get("Mcp-Protocol-Version"); got != testProtocolVersion {
			t.Fatalf("protocol version header: want %q got %q", testProtocolVersion, got)
		}

		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error != nil {
			t.Fatalf("initialize error: %+v", res.Error)
		}
		var initRes mcp.InitializeResult
		mustUnmarshalJSON(t, res.Result, &initRes)
		if initRes.Capabilities.Tools == nil {
			t.Fatalf("expected tools capability")
		}
		if initRes.ProtocolVersion != testProtocolVersion {
			t.Fatalf("negotiated version: want %q got %q", testProtocolVersion, initRes.ProtocolVersion)
		}
	})

	t.Run("Unknown protocol version negotiates latest", func(t *testing.T) {
		srv, _ := mustServer(t)

		req := &jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         string(mcp.InitializeMethod),
			Params:         mustJSON(mcp.InitializeRequest{ProtocolVersion: "1999-01-01", ClientInfo: mcp.ImplementationInfo{Name: "c", Version: "1"}}),
			ID:             jsonrpc.NewRequestID(1),
		}
		resp, evt := mustPostMCP(t, srv, "", "", req)
		defer resp.Body.Close()

		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		var initRes mcp.InitializeResult
		mustUnmarshalJSON(t, res.Result, &initRes)
		if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
			t.Fatalf("want %q got %q", mcp.LatestProtocolVersion, initRes.ProtocolVersion)
		}
	})

	t.Run("Tool call streams its response over SSE", func(t *testing.T) {
		srv, _ := mustServer(t)
		sessID := mustInitialize(t, srv, "")

		resp, evt := mustPostMCP(t, srv, "", sessID, callToolRequest("2", "greet", map[string]any{"name": "Ava"}, nil))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
			t.Fatalf("expected SSE response, got %q", ct)
		}
		if evt.id == "" {
			t.Fatalf("expected event id on SSE frame")
		}
		if got := toolText(t, evt.data); got != "Hello, Ava!" {
			t.Fatalf("unexpected tool text: %q", got)
		}
	})

	t.Run("Tools list over POST", func(t *testing.T) {
		srv, _ := mustServer(t)
		sessID := mustInitialize(t, srv, "")

		req := &jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         string(mcp.ToolsListMethod),
			Params:         mustJSON(mcp.ListToolsRequest{}),
			ID:             jsonrpc.NewRequestID(2),
		}
		resp, evt := mustPostMCP(t, srv, "", sessID, req)
		defer resp.Body.Close()

		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error != nil {
			t.Fatalf("tools/list error: %+v", res.Error)
		}
		var list mcp.ListToolsResult
		mustUnmarshalJSON(t, res.Result, &list)
		names := make([]string, 0, len(list.Tools))
		for _, tool := range list.Tools {
			names = append(names, tool.Name)
		}
		if want, got := "greet,countdown", strings.Join(names, ","); want != got {
			t.Fatalf("tool names: want %q got %q", want, got)
		}
	})

	t.Run("JSON-only client gets a buffered reply", func(t *testing.T) {
		srv, _ := mustServer(t)
		sessID := mustInitialize(t, srv, "")

		resp := doRaw(t, srv, http.MethodPost, map[string]string{
			"Accept":               "application/json",
			"Content-Type":         "application/json",
			"Mcp-Session-Id":       sessID,
			"Mcp-Protocol-Version": testProtocolVersion,
		}, mustJSON(callToolRequest("3", "greet", map[string]any{"name": "Bo"}, nil)))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("expected JSON response, got %q", ct)
		}
		body, _ := io.ReadAll(resp.Body)
		if got := toolText(t, body); got != "Hello, Bo!" {
			t.Fatalf("unexpected tool text: %q", got)
		}
	})

	t.Run("Unknown session returns 404", func(t *testing.T) {
		srv, _ := mustServer(t)

		resp, _ := mustPostMCP(t, srv, "", "nope", callToolRequest("1", "greet", nil, nil))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		res := readErrorResponse(t, resp)
		if res.Error.Code != jsonrpc.ErrorCodeSessionNotFound {
			t.Fatalf("expected session-not-found code, got %d", res.Error.Code)
		}
		if res.ID.String() != "1" {
			t.Fatalf("expected id to be echoed, got %q", res.ID.String())
		}
	})

	t.Run("Missing session header returns 400", func(t *testing.T) {
		srv, _ := mustServer(t)

		resp, _ := mustPostMCP(t, srv, "", "", callToolRequest("1", "greet", nil, nil))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		res := readErrorResponse(t, resp)
		if res.Error.Code != jsonrpc.ErrorCodeServerError {
			t.Fatalf("expected -32000, got %d", res.Error.Code)
		}
	})

	t.Run("Malformed body returns parse error", func(t *testing.T) {
		srv, _ := mustServer(t)

		resp := doRaw(t, srv, http.MethodPost, map[string]string{
			"Accept":       "application/json, text/event-stream",
			"Content-Type": "application/json",
		}, []byte(`{"jsonrpc":`))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		res := readErrorResponse(t, resp)
		if res.Error.Code != jsonrpc.ErrorCodeParseError {
			t.Fatalf("expected -32700, got %d", res.Error.Code)
		}
	})

	t.Run("Rejects unsupported content negotiation", func(t *testing.T) {
		srv, _ := mustServer(t)
		body := mustJSON(initializeRequest(1))

		cases := []struct {
			name    string
			headers map[string]string
			status  int
		}{
			{"wrong content type", map[string]string{"Accept": "text/event-stream", "Content-Type": "text/plain"}, http.StatusUnsupportedMediaType},
			{"unacceptable accept", map[string]string{"Accept": "text/html", "Content-Type": "application/json"}, http.StatusNotAcceptable},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				resp := doRaw(t, srv, http.MethodPost, tc.headers, body)
				defer resp.Body.Close()
				if resp.StatusCode != tc.status {
					t.Fatalf("want %d got %d", tc.status, resp.StatusCode)
				}
			})
		}
	})

	t.Run("Unsupported protocol version header returns 400", func(t *testing.T) {
		srv, _ := mustServer(t)
		sessID := mustInitialize(t, srv, "")

		resp := doRaw(t, srv, http.MethodPost, map[string]string{
			"Accept":               "text/event-stream",
			"Content-Type":         "application/json",
			"Mcp-Session-Id":       sessID,
			"Mcp-Protocol-Version": "1999-01-01",
		}, mustJSON(callToolRequest("1", "greet", nil, nil)))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Re-initialize on existing session conflicts", func(t *testing.T) {
		srv, _ := mustServer(t)
		sessID := mustInitialize(t, srv, "")

		resp, _ := mustPostMCP(t, srv, "", sessID, initializeRequest(2))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
		res := readErrorResponse(t, resp)
		if res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("expected -32600, got %d", res.Error.Code)
		}
	})

	t.Run("Notifications and client responses are accepted", func(t *testing.T) {
		srv, _ := mustServer(t)
		sessID := mustInitialize(t, srv, "")

		note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
		resp, _ := mustPostMCP(t, srv, "", sessID, note)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("notification status: %d", resp.StatusCode)
		}

		resp = doRaw(t, srv, http.MethodPost, map[string]string{
			"Accept":               "application/json, text/event-stream",
			"Content-Type":         "application/json",
			"Mcp-Session-Id":       sessID,
			"Mcp-Protocol-Version": testProtocolVersion,
		}, []byte(`{"jsonrpc":"2.0","id":"srv-1","result":{}}`))
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("response status: %d", resp.StatusCode)
		}
	})

	t.Run("Initialize during shutdown is refused", func(t *testing.T) {
		srv, reg := mustServer(t)
		if err := reg.Close(context.Background(), time.Second); err != nil {
			t.Fatalf("close: %v", err)
		}

		resp, _ := mustPostMCP(t, srv, "", "", initializeRequest(1))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", resp.StatusCode)
		}
		if resp.Header.Get("Mcp-Session-Id") != "" {
			t.Fatalf("no session id expected")
		}
		res := readErrorResponse(t, resp)
		if res.Error.Code != jsonrpc.ErrorCodeServerError {
			t.Fatalf("expected -32000, got %d", res.Error.Code)
		}
	})

	t.Run("Delete terminates the session", func(t *testing.T) {
		srv, reg := mustServer(t)
		sessID := mustInitialize(t, srv, "")

		resp := doRaw(t, srv, http.MethodDelete, map[string]string{"Mcp-Session-Id": sessID}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}
		if reg.Len() != 0 {
			t.Fatalf("expected registry to be empty, got %d", reg.Len())
		}

		resp, _ = mustPostMCP(t, srv, "", sessID, callToolRequest("1", "greet", nil, nil))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
		}
	})

	t.Run("Duplicate in-flight request id is rejected", func(t *testing.T) {
		release := make(chan struct{})
		srv, reg := mustServer(t, withTools(blockingTool(release)))
		sessID := mustInitialize(t, srv, "")

		firstDone := make(chan *http.Response, 1)
		go func() {
			resp, err := doPostMCP(t, srv, "", sessID, callToolRequest("dup", "block", nil, nil))
			if err != nil {
				firstDone <- nil
				return
			}
			firstDone <- resp
		}()

		sess, err := reg.Lookup(sessID)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		waitFor(t, func() bool { return sess.Pending() == 1 })

		resp, evt := mustPostMCP(t, srv, "", sessID, callToolRequest("dup", "block", nil, nil))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("expected invalid request error, got %+v", res.Error)
		}
		if res.ID.String() != "dup" {
			t.Fatalf("expected id to be echoed, got %q", res.ID.String())
		}

		close(release)
		first := <-firstDone
		if first == nil {
			t.Fatalf("first request failed")
		}
		defer first.Body.Close()
		evt, err = readOneSSE(first.Body)
		if err != nil {
			t.Fatalf("read first response: %v", err)
		}
		if got := toolText(t, evt.data); got != "released" {
			t.Fatalf("unexpected tool text: %q", got)
		}
	})

	t.Run("Panic on first call returns 500", func(t *testing.T) {
		srv, _ := mustServer(t, withTools(panickingTool()))
		sessID := mustInitialize(t, srv, "")

		resp, _ := mustPostMCP(t, srv, "", sessID, callToolRequest("1", "boom", nil, nil))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", resp.StatusCode)
		}
		res := readErrorResponse(t, resp)
		if res.Error.Code != jsonrpc.ErrorCodeInternalError {
			t.Fatalf("expected -32603, got %d", res.Error.Code)
		}
	})

	t.Run("Panic on later call is an error envelope", func(t *testing.T) {
		srv, _ := mustServer(t, withTools(panickingTool()))
		sessID := mustInitialize(t, srv, "")

		resp, _ := mustPostMCP(t, srv, "", sessID, callToolRequest("1", "greet", nil, nil))
		resp.Body.Close()

		resp, evt := mustPostMCP(t, srv, "", sessID, callToolRequest("2", "boom", nil, nil))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInternalError {
			t.Fatalf("expected internal error, got %+v", res.Error)
		}
	})
}

func TestResumption(t *testing.T) {
	srv, _ := mustServer(t)
	sessID := mustInitialize(t, srv, "")

	resp, err := doPostMCP(t, srv, "", sessID, callToolRequest("7", "countdown", map[string]any{"from": 5}, "tok"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var ids []string
	br := bufio.NewReader(resp.Body)
	for i := 0; i < 6; i++ {
		evt, err := readSSE(br)
		if err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		ids = append(ids, evt.id)
		if i < 5 {
			var note jsonrpc.Request
			mustUnmarshalJSON(t, evt.data, &note)
			if note.Method != "notifications/progress" {
				t.Fatalf("event %d: expected progress, got %q", i, note.Method)
			}
			var p mcp.ProgressNotificationParams
			mustUnmarshalJSON(t, note.Params, &p)
			if want := fmt.Sprintf("%d", 5-i); p.Message != want {
				t.Fatalf("event %d: want message %q got %q", i, want, p.Message)
			}
		} else if got := toolText(t, evt.data); got != "Liftoff!" {
			t.Fatalf("unexpected final text: %q", got)
		}
	}
	if want, got := "1,2,3,4,5,6", strings.Join(ids, ","); want != got {
		t.Fatalf("POST stream ids: want %s got %s", want, got)
	}

	t.Run("Last-Event-ID replays the tail", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resp := startGetStream(t, ctx, srv, "", sessID, "3")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}

		br := bufio.NewReader(resp.Body)
		var got []string
		for i := 0; i < 3; i++ {
			evt, err := readSSE(br)
			if err != nil {
				t.Fatalf("read event %d: %v", i, err)
			}
			got = append(got, evt.id)
		}
		if want := "4,5,6"; strings.Join(got, ",") != want {
			t.Fatalf("replayed ids: want %s got %s", want, strings.Join(got, ","))
		}
	})

	t.Run("Invalid Last-Event-ID returns 400", func(t *testing.T) {
		resp := startGetStream(t, context.Background(), srv, "", sessID, "abc")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Live stream sees new events", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resp := startGetStream(t, ctx, srv, "", sessID, "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}

		post, _ := mustPostMCP(t, srv, "", sessID, callToolRequest("8", "greet", map[string]any{"name": "Cy"}, nil))
		post.Body.Close()

		evt, err := readOneSSE(resp.Body)
		if err != nil {
			t.Fatalf("read live event: %v", err)
		}
		if evt.id != "7" {
			t.Fatalf("expected id 7, got %q", evt.id)
		}
		if got := toolText(t, evt.data); got != "Hello, Cy!" {
			t.Fatalf("unexpected tool text: %q", got)
		}
	})

	t.Run("Last-Event-ID past the tail starts live", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var streams []*http.Response
		for _, marker := range []string{"99", "18446744073709551615"} {
			resp := startGetStream(t, ctx, srv, "", sessID, marker)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("marker %s: unexpected status: %d", marker, resp.StatusCode)
			}
			streams = append(streams, resp)
		}

		post, _ := mustPostMCP(t, srv, "", sessID, callToolRequest("9", "greet", map[string]any{"name": "Di"}, nil))
		post.Body.Close()

		for i, resp := range streams {
			evt, err := readOneSSE(resp.Body)
			if err != nil {
				t.Fatalf("stream %d: read live event: %v", i, err)
			}
			if evt.id != "8" {
				t.Fatalf("stream %d: expected id 8, got %q", i, evt.id)
			}
		}
	})
}

func TestBoundedEventLog(t *testing.T) {
	const steps = 200
	chatty := mcpservice.NewTool[struct{}]("chatty", func(ctx context.Context, w mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[struct{}]) error {
		for i := 1; i <= steps; i++ {
			if err := w.Progress(float64(i), steps, ""); err != nil {
				return err
			}
		}
		return w.AppendText("done")
	})
	srv, _ := mustServer(t,
		withTools(chatty),
		withLogFactory(memlog.Factory(memlog.WithCapacity(4))),
	)
	sessID := mustInitialize(t, srv, "")

	for i := 0; i < 10; i++ {
		resp, err := doPostMCP(t, srv, "", sessID, callToolRequest(i, "chatty", nil, "tok"))
		if err != nil {
			t.Fatalf("call %d: post: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			t.Fatalf("call %d: unexpected status: %d", i, resp.StatusCode)
		}

		// Progress may be skipped for a slow reader; the response may not.
		br := bufio.NewReader(resp.Body)
		for {
			evt, err := readSSE(br)
			if err != nil {
				resp.Body.Close()
				t.Fatalf("call %d: stream ended without a response: %v", i, err)
			}
			var msg jsonrpc.AnyMessage
			mustUnmarshalJSON(t, evt.data, &msg)
			if msg.Type() != jsonrpc.TypeResponse {
				continue
			}
			if got := toolText(t, evt.data); got != "done" {
				t.Fatalf("call %d: unexpected text %q", i, got)
			}
			if msg.ID.Key() != jsonrpc.NewRequestID(i).Key() {
				t.Fatalf("call %d: response carries id %s", i, msg.ID)
			}
			break
		}
		resp.Body.Close()
	}
}

func TestCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv, reg := mustServer(t, withTools(blockingTool(release)))
	sessID := mustInitialize(t, srv, "")

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := doPostMCP(t, srv, "", sessID, callToolRequest(9, "block", nil, nil))
		if err != nil {
			done <- nil
			return
		}
		done <- resp
	}()

	sess, err := reg.Lookup(sessID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	waitFor(t, func() bool { return sess.Pending() == 1 })

	note := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.CancelledNotificationMethod),
		Params:         mustJSON(map[string]any{"requestId": 9, "reason": "user abort"}),
	}
	resp, _ := mustPostMCP(t, srv, "", sessID, note)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status: %d", resp.StatusCode)
	}

	first := <-done
	if first == nil {
		t.Fatalf("call request failed")
	}
	defer first.Body.Close()
	body, _ := io.ReadAll(first.Body)
	if len(bytes.TrimSpace(body)) != 0 {
		t.Fatalf("expected no response after cancellation, got %s", body)
	}
	waitFor(t, func() bool { return sess.Pending() == 0 })
}

func TestStateless(t *testing.T) {
	srv, reg := mustServer(t, withStateless())

	t.Run("Initialize has no session header", func(t *testing.T) {
		resp, evt := mustPostMCP(t, srv, "", "", initializeRequest(1))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}
		if resp.Header.Get("Mcp-Session-Id") != "" {
			t.Fatalf("stateless initialize must not assign a session")
		}
		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error != nil {
			t.Fatalf("initialize error: %+v", res.Error)
		}
	})

	t.Run("Call without session header", func(t *testing.T) {
		resp, evt := mustPostMCP(t, srv, "", "", callToolRequest("1", "greet", map[string]any{"name": "Di"}, nil))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("expected JSON response, got %q", ct)
		}
		if got := toolText(t, evt.data); got != "Hello, Di!" {
			t.Fatalf("unexpected tool text: %q", got)
		}
		waitFor(t, func() bool { return reg.Len() == 0 })
	})

	t.Run("GET and DELETE are not allowed", func(t *testing.T) {
		for _, method := range []string{http.MethodGet, http.MethodDelete} {
			resp := doRaw(t, srv, method, map[string]string{"Accept": "text/event-stream", "Mcp-Session-Id": "x"}, nil)
			resp.Body.Close()
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Fatalf("%s: expected 405, got %d", method, resp.StatusCode)
			}
		}
	})
}

func TestAuthentication(t *testing.T) {
	srv, _ := mustServer(t,
		withAuth(authtest.StaticTokens{"test-token": "user-1"}),
		withResourceMetadataURL("https://mcp.example.com/.well-known/oauth-protected-resource/mcp"),
	)

	t.Run("Missing token is challenged", func(t *testing.T) {
		resp, _ := mustPostMCP(t, srv, "", "", initializeRequest(1))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		want := `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource/mcp"`
		if got := resp.Header.Get("WWW-Authenticate"); got != want {
			t.Fatalf("challenge: want %q got %q", want, got)
		}
	})

	t.Run("Invalid token is challenged", func(t *testing.T) {
		resp, _ := mustPostMCP(t, srv, "Bearer wrong", "", initializeRequest(1))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
			t.Fatalf("expected invalid_token challenge, got %q", got)
		}
	})

	t.Run("Valid token reaches tools as caller", func(t *testing.T) {
		sessID := mustInitialize(t, srv, "Bearer test-token")
		resp, evt := mustPostMCP(t, srv, "Bearer test-token", sessID, callToolRequest("1", "greet", nil, nil))
		defer resp.Body.Close()
		if got := toolText(t, evt.data); got != "Hello, user-1!" {
			t.Fatalf("unexpected tool text: %q", got)
		}
	})
}

func TestNew_Validation(t *testing.T) {
	router, err := greeter.NewRouter()
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	reg := sessions.NewRegistry()
	t.Cleanup(func() { _ = reg.Close(context.Background(), time.Second) })

	if _, err := streaminghttp.New(nil, router); err == nil {
		t.Fatalf("expected error for nil registry")
	}
	if _, err := streaminghttp.New(reg, nil); err == nil {
		t.Fatalf("expected error for nil router")
	}
	if _, err := streaminghttp.New(reg, router, streaminghttp.WithEndpointPath("mcp")); err == nil {
		t.Fatalf("expected error for relative endpoint path")
	}
	h, err := streaminghttp.New(reg, router, streaminghttp.WithEndpointPath("/rpc"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if h.EndpointPath() != "/rpc" {
		t.Fatalf("unexpected endpoint path %q", h.EndpointPath())
	}
}

// ============================================================================
// Test logging
// ============================================================================

type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}

// ============================================================================
// Test Server Utility
// ============================================================================

type serverOption func(*serverConfig)

type serverConfig struct {
	tools       []mcpservice.Tool
	stateless   bool
	logs        eventlog.Factory
	handlerOpts []streaminghttp.Option
}

func withTools(tools ...mcpservice.Tool) serverOption {
	return func(cfg *serverConfig) { cfg.tools = append(cfg.tools, tools...) }
}

func withStateless() serverOption {
	return func(cfg *serverConfig) { cfg.stateless = true }
}

func withLogFactory(f eventlog.Factory) serverOption {
	return func(cfg *serverConfig) { cfg.logs = f }
}

func withAuth(a auth.Authenticator) serverOption {
	return func(cfg *serverConfig) {
		cfg.handlerOpts = append(cfg.handlerOpts, streaminghttp.WithAuthenticator(a))
	}
}

func withResourceMetadataURL(u string) serverOption {
	return func(cfg *serverConfig) {
		cfg.handlerOpts = append(cfg.handlerOpts, streaminghttp.WithResourceMetadataURL(u))
	}
}

// mustServer serves the greeter tools (plus any extras) behind httptest on
// the root path.
func mustServer(t *testing.T, opts ...serverOption) (*httptest.Server, *sessions.Registry) {
	t.Helper()

	cfg := serverConfig{tools: greeter.Tools()}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := slog.New(testLogHandler(t))

	router, err := mcpservice.NewRouter(cfg.tools)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	regOpts := []sessions.Option{
		sessions.WithLogger(log),
		sessions.WithStateless(cfg.stateless),
	}
	if cfg.logs != nil {
		regOpts = append(regOpts, sessions.WithLogFactory(cfg.logs))
	}
	reg := sessions.NewRegistry(regOpts...)

	h, err := streaminghttp.New(reg, router, append([]streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithEndpointPath("/"),
	}, cfg.handlerOpts...)...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		_ = reg.Close(context.Background(), time.Second)
	})
	return srv, reg
}

// blockingTool returns a "block" tool that waits for release.
func blockingTool(release <-chan struct{}) mcpservice.Tool {
	return mcpservice.NewTool[struct{}]("block", func(ctx context.Context, w mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[struct{}]) error {
		select {
		case <-release:
			return w.AppendText("released")
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func panickingTool() mcpservice.Tool {
	return mcpservice.NewTool[struct{}]("boom", func(context.Context, mcpservice.ToolResponseWriter, *mcpservice.ToolRequest[struct{}]) error {
		panic("boom")
	})
}

// ============================================================================
// Minimal HTTP/SSE client helpers (no SDK)
// ============================================================================

type sseEvent struct {
	event string
	id    string
	data  json.RawMessage
}

func initializeRequest(id any) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params: mustJSON(mcp.InitializeRequest{
			ProtocolVersion: testProtocolVersion,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		}),
		ID: jsonrpc.NewRequestID(id),
	}
}

func callToolRequest(id any, name string, args map[string]any, progressToken any) *jsonrpc.Request {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	if progressToken != nil {
		params["_meta"] = map[string]any{"progressToken": progressToken}
	}
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		Params:         mustJSON(params),
		ID:             jsonrpc.NewRequestID(id),
	}
}

// mustInitialize opens a session and returns its id.
func mustInitialize(t *testing.T, srv *httptest.Server, authHeader string) string {
	t.Helper()
	resp, _ := mustPostMCP(t, srv, authHeader, "", initializeRequest("init"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status: %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing mcp-session-id header")
	}
	return sessID
}

// doPostMCP performs the HTTP POST with required headers and returns the raw response.
func doPostMCP(t *testing.T, srv *httptest.Server, authHeader, sessionID string, req *jsonrpc.Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
		httpReq.Header.Set("Mcp-Protocol-Version", testProtocolVersion)
	}
	return srv.Client().Do(httpReq)
}

// mustPostMCP posts and parses a response. If the response is an SSE stream
// it reads exactly one event. Otherwise it reads the full body as a single
// JSON payload. Non-200 bodies are left unread.
func mustPostMCP(t *testing.T, srv *httptest.Server, authHeader, sessionID string, req *jsonrpc.Request) (*http.Response, sseEvent) {
	t.Helper()
	resp, err := doPostMCP(t, srv, authHeader, sessionID, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, sseEvent{}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		evt, err := readOneSSE(resp.Body)
		if err != nil {
			t.Fatalf("sse read: %v", err)
		}
		return resp, evt
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("body read: %v", err)
	}
	return resp, sseEvent{data: body}
}

func doRaw(t *testing.T, srv *httptest.Server, method string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+"/", rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

// startGetStream opens a GET stream. The caller owns the body; cancel ctx to
// tear it down.
func startGetStream(t *testing.T, ctx context.Context, srv *httptest.Server, authHeader, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new get req: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Mcp-Protocol-Version", testProtocolVersion)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do get: %v", err)
	}
	return resp
}

func readOneSSE(r io.Reader) (sseEvent, error) {
	return readSSE(bufio.NewReader(r))
}

func readSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if dataBuf.Len() == 0 && event.id == "" {
				continue
			}
			event.data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			event.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
}

func readErrorResponse(t *testing.T, resp *http.Response) jsonrpc.Response {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var res jsonrpc.Response
	mustUnmarshalJSON(t, body, &res)
	if res.Error == nil {
		t.Fatalf("expected error envelope, got %s", body)
	}
	return res
}

// toolText decodes a tools/call response and returns its first text block.
func toolText(t *testing.T, data []byte) string {
	t.Helper()
	var res jsonrpc.Response
	mustUnmarshalJSON(t, data, &res)
	if res.Error != nil {
		t.Fatalf("tools/call error: %+v", res.Error)
	}
	var out mcp.CallToolResult
	mustUnmarshalJSON(t, res.Result, &out)
	if len(out.Content) == 0 {
		t.Fatalf("empty tool result: %s", res.Result)
	}
	return out.Content[0].Text
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
