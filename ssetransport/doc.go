// Package ssetransport serves MCP sessions over Server-Sent Events.
//
// One path carries the whole protocol:
//
//	GET    <path>   open (or resume) the session's event stream
//	POST   <path>   deliver one JSON-RPC message to the session
//	DELETE <path>   end the session
//
// The session is named by the Mcp-Session-Id header, or by the sessionId
// query parameter for clients that cannot set headers on EventSource. A GET
// without a session opens a new one; its first frame is an "endpoint" event
// whose data is the URL to POST messages to. Responses are delivered on the
// stream as "message" events carrying the SSE id used for Last-Event-ID
// resumption; keep-alive "ping" events carry no id.
//
// A Transport is an http.Handler, and can also be attached to a chi router
// with Mount or to any router through the plain Route values from Routes:
//
//	reg := sessions.NewRegistry(memory.New(), factory)
//	t := ssetransport.New(ctx, reg, ssetransport.WithLogger(log))
//
//	r := chi.NewRouter()
//	r.Get("/hello", hello)
//	t.Mount(r, "/mcp")
//
// Only one stream per session is live. Opening a second GET for the same
// session ends the first one quietly, without an error frame.
package ssetransport
