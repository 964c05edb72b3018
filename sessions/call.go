package sessions

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-sessions-go/internal/jsonrpc"
)

// Call is a handle on a submitted call.
type Call struct {
	id     *jsonrpc.RequestID
	key    string
	method string
	first  bool
	cancel context.CancelFunc

	done chan struct{}

	mu        sync.Mutex
	resp      *jsonrpc.Response
	seq       uint64
	fault     bool
	cancelled bool
}

// ID returns the correlation id the client supplied.
func (c *Call) ID() *jsonrpc.RequestID { return c.id }

// Key returns the event log correlation key of the call.
func (c *Call) Key() string { return c.key }

// Method returns the JSON-RPC method of the call.
func (c *Call) Method() string { return c.method }

// First reports whether this was the first call submitted to its session.
func (c *Call) First() bool { return c.first }

// Done is closed once the response is known.
func (c *Call) Done() <-chan struct{} { return c.done }

// Response returns the call's response, or nil before Done is closed.
func (c *Call) Response() *jsonrpc.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp
}

// Seq returns the event log sequence number of the response, 0 when it was
// not appended.
func (c *Call) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Fault reports whether the router panicked or failed with an error that
// was not a *ToolError.
func (c *Call) Fault() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Cancelled reports whether the client cancelled the call.
func (c *Call) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Call) finish(resp *jsonrpc.Response, seq uint64, fault bool) {
	c.mu.Lock()
	c.resp, c.seq, c.fault = resp, seq, fault
	c.mu.Unlock()
	close(c.done)
}
