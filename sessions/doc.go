// Package sessions implements the stateful half of the MCP session
// transport: the Session state machine, the calls in flight on it, and the
// Registry that owns every live Session.
//
// Layers & Roles
//
//	Transport -> decodes requests, resolves sessions, streams events
//	Registry  -> id -> *Session table, shutdown, idle reaping
//	Session   -> lifecycle, pending calls, event log, subscriptions
//	ToolRouter-> executes calls; the session only wraps its results
//
// # Lifecycle
//
// A Session starts in StateInitializing. Initialize allocates its id,
// registers it and moves it to StateOpen. Terminate moves it through
// StateClosing to StateClosed, removing it from the Registry and discarding
// its event log in the same step. Terminate is idempotent.
//
// # Calls
//
// SubmitCall runs the router on its own goroutine with a context detached
// from the caller's, so a client that hangs up does not abort work that was
// already handed to a tool. When the call finishes its response is appended
// to the event log (stateful sessions) or left on the Call handle (stateless
// sessions). A call id that is still pending is rejected with
// ErrDuplicateCall.
//
// # Streaming
//
// Subscribe returns a cursor over the event log that first replays retained
// events and then waits for new ones. Appends and subscription setup are
// serialized on the session, so a subscriber sees every sequence number once.
package sessions
