// Package mcp contains the Model Context Protocol data types and method
// constants used by the session transport: the initialize handshake, tool
// listing and invocation, progress and cancellation notifications.
//
// The package is free of transport logic. Transports marshal these types;
// the tool router constructs results with them.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion is the newest protocol date the module targets.
// NegotiateProtocolVersion picks the version answered during initialize.
package mcp
