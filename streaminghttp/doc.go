// Package streaminghttp implements the MCP streamable HTTP transport. It
// mounts as a standard net/http handler on a single endpoint and maps its
// three methods onto sessions held in a sessions.Registry.
//
//   - POST carries initialize requests, calls, notifications and client
//     responses. A call is answered as an SSE stream of the events it
//     produces, ending with its response, or as a single JSON body when the
//     client only accepts application/json.
//   - GET opens a stream of every event the session appends. Last-Event-ID
//     resumes delivery after the named event.
//   - DELETE terminates the session.
//
// Construction
//
//	reg := sessions.NewRegistry(sessions.WithLogger(log))
//	h, err := streaminghttp.New(reg, router,
//	    streaminghttp.WithLogger(log),
//	    streaminghttp.WithAuthenticator(authenticator),
//	    streaminghttp.WithResourceMetadataURL(prmURL),
//	)
//
// # Stateless mode
//
// When the Registry is stateless every POST runs on an ephemeral session that
// is terminated before the handler returns. Replies are always JSON, no
// session header is issued, and GET and DELETE answer 405.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes with a JSON-RPC error
// envelope in the body. Tool-level errors travel inside the JSON-RPC
// response. Authentication failures surface a WWW-Authenticate challenge
// pointing at the protected resource metadata document.
package streaminghttp
