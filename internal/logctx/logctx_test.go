package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func record(t *testing.T, ctx context.Context) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(Wrap(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))
	log.InfoContext(ctx, "http.post.start")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	return rec
}

func TestHandler_AddsScopes(t *testing.T) {
	ctx := WithRequest(context.Background(), Request{ID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSession(ctx, Session{ID: "s1"})
	ctx = WithCall(ctx, Call{ID: "7", Method: "tools/call", Kind: "call-request"})
	ctx = WithTool(ctx, "greet")

	rec := record(t, ctx)
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("expected component %v, got %v", want, got)
	}
	req, _ := rec["req"].(map[string]any)
	if want, got := "r1", req["id"]; want != got {
		t.Fatalf("expected req.id %v, got %v", want, got)
	}
	if _, ok := req["user_agent"]; ok {
		t.Fatalf("expected empty user_agent to be omitted, got %v", req)
	}
	sess, _ := rec["sess"].(map[string]any)
	if want, got := "s1", sess["id"]; want != got {
		t.Fatalf("expected sess.id %v, got %v", want, got)
	}
	if _, ok := sess["stateless"]; ok {
		t.Fatalf("expected stateless to be omitted for stateful sessions, got %v", sess)
	}
	call, _ := rec["call"].(map[string]any)
	if want, got := "tools/call", call["method"]; want != got {
		t.Fatalf("expected call.method %v, got %v", want, got)
	}
	if want, got := "greet", call["tool"]; want != got {
		t.Fatalf("expected call.tool %v, got %v", want, got)
	}
}

func TestScopes_DoNotLeakToParent(t *testing.T) {
	parent := WithCall(context.Background(), Call{ID: "1", Method: "tools/call"})
	child := WithTool(parent, "greet")
	_ = WithSession(child, Session{ID: "s1", Stateless: true})

	rec := record(t, parent)
	call, _ := rec["call"].(map[string]any)
	if _, ok := call["tool"]; ok {
		t.Fatalf("expected parent call scope without tool, got %v", call)
	}
	if _, ok := rec["sess"]; ok {
		t.Fatalf("expected parent without session scope, got %v", rec)
	}

	rec = record(t, WithSession(child, Session{ID: "s1", Stateless: true}))
	sess, _ := rec["sess"].(map[string]any)
	if want, got := true, sess["stateless"]; want != got {
		t.Fatalf("expected sess.stateless %v, got %v", want, got)
	}
}

func TestHandler_NoScope(t *testing.T) {
	rec := record(t, context.Background())
	for _, k := range []string{"req", "sess", "call"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("expected no %s group, got %v", k, rec)
		}
	}
}
