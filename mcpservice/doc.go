// Package mcpservice turns a per-session Service into JSON-RPC responses.
//
// A Factory builds one Service for every session the transport opens, so
// services may keep mutable per-session state without locking: requests for a
// session are dispatched one at a time, in arrival order. Anything the factory
// closes over (configuration, clients, caches) is shared by every session.
//
// Quick start:
//
//	type AddArgs struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
//	factory := mcpservice.FactoryFunc(func(ctx context.Context, sessionID string) (mcpservice.Service, error) {
//	    return mcpservice.NewService(
//	        mcpservice.NewTool("add", func(ctx context.Context, a AddArgs) (int, error) {
//	            return a.A + a.B, nil
//	        }, mcpservice.WithToolDescription("Add two integers")),
//	    ), nil
//	})
//
// # Dispatch
//
// Instance.Handle answers the MCP built-ins (initialize, ping, tools/list,
// tools/call) and additionally lets clients invoke a tool directly by using
// its name as the JSON-RPC method. Failures never end the session; they are
// reported as JSON-RPC errors (or isError tool results for tools/call).
// Notifications are executed but produce no response.
package mcpservice
