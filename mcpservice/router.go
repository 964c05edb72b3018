package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ggoodman/mcp-sessions-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessions-go/internal/logctx"
	"github.com/ggoodman/mcp-sessions-go/mcp"
	"github.com/ggoodman/mcp-sessions-go/sessions"
)

const defaultPageSize = 50

var (
	// ErrEmptyToolName is returned by NewRouter for a tool without a name.
	ErrEmptyToolName = errors.New("tool name is empty")
	// ErrDuplicateTool is returned by NewRouter when two tools share a name.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// Router dispatches session calls to a fixed set of tools.
type Router struct {
	tools    []mcp.Tool
	handlers map[string]ToolHandler
	pageSize int
}

var _ sessions.ToolRouter = (*Router)(nil)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPageSize sets the tools/list page size. Non-positive values are ignored.
func WithPageSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// NewRouter validates and registers tools in the order given.
func NewRouter(tools []Tool, opts ...RouterOption) (*Router, error) {
	r := &Router{
		handlers: make(map[string]ToolHandler, len(tools)),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, t := range tools {
		name := t.Descriptor.Name
		if name == "" {
			return nil, ErrEmptyToolName
		}
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", name)
		}
		r.handlers[name] = t.Handler
		r.tools = append(r.tools, t.Descriptor)
	}
	return r, nil
}

// Tools returns a copy of the registered tool descriptors.
func (r *Router) Tools() []mcp.Tool {
	return append([]mcp.Tool(nil), r.tools...)
}

// Invoke implements sessions.ToolRouter.
func (r *Router) Invoke(ctx context.Context, method string, params json.RawMessage, caller any) (any, error) {
	switch mcp.Method(method) {
	case mcp.PingMethod:
		return mcp.EmptyResult{}, nil
	case mcp.ToolsListMethod:
		return r.listTools(params)
	case mcp.ToolsCallMethod:
		return r.callTool(ctx, params, caller)
	default:
		return nil, sessions.NewToolError(int(jsonrpc.ErrorCodeMethodNotFound), "Method not found: %s", method)
	}
}

func (r *Router) listTools(params json.RawMessage) (*mcp.ListToolsResult, error) {
	var req mcp.ListToolsRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams("invalid tools/list params: %v", err)
		}
	}

	start := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 || n > len(r.tools) {
			return nil, invalidParams("invalid cursor %q", req.Cursor)
		}
		start = n
	}
	end := min(start+r.pageSize, len(r.tools))

	res := &mcp.ListToolsResult{Tools: append([]mcp.Tool{}, r.tools[start:end]...)}
	if end < len(r.tools) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

func (r *Router) callTool(ctx context.Context, params json.RawMessage, caller any) (*mcp.CallToolResult, error) {
	var req mcp.CallToolRequestReceived
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, invalidParams("invalid tools/call params: %v", err)
	}
	if req.Name == "" {
		return nil, invalidParams("missing tool name")
	}
	h, ok := r.handlers[req.Name]
	if !ok {
		return nil, invalidParams("Unknown tool: %s", req.Name)
	}

	ctx = logctx.WithTool(ctx, req.Name)
	if req.Meta != nil && req.Meta.ProgressToken != nil {
		if em, ok := sessions.EmitterFromContext(ctx); ok {
			ctx = WithProgressReporter(ctx, emitterProgress{em: em, token: req.Meta.ProgressToken})
		}
	}
	return h(ctx, caller, &req)
}

func invalidParams(format string, args ...any) error {
	return sessions.NewToolError(int(jsonrpc.ErrorCodeInvalidParams), format, args...)
}
