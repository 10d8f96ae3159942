// Package mcp contains the Model Context Protocol data types and method names
// served over the SSE transport. It is free of transport logic: the ssetransport
// package handles framing and sessions, and mcpservice builds responses from
// these types.
//
// # Method Names
//
// JSON-RPC method names are enumerated as Method constants (e.g.
// ToolsListMethod) so dispatch tables and tests share one spelling.
//
// # Versioning
//
// LatestProtocolVersion is echoed back during initialize when the client does
// not request a version.
package mcp
