// Package mcp serves the notebook tools over the Model Context Protocol.
//
// # Overview
//
// The server speaks JSON-RPC 2.0 on stdin/stdout, one message per line.
// It answers initialize, ping and tools/list itself and dispatches
// tools/call to the document store, the cell editor and the session
// manager:
//
//	MCP client
//	    ↓ (tools/call, one line of JSON)
//	Server.Run
//	    ↓ (decode + validate arguments)
//	tool handler → notebook.Store / cells.Editor / manager.SessionManager
//	    ↓
//	payload as text content
//
// # Payloads
//
// Every tool returns one text content item holding a JSON object. A
// successful call has "success": true, the operation's fields and, for
// tools that take one, the resolved "notebook_path". A failed call sets
// isError and returns
//
//	{"success": false, "error_type": KIND, "error": summary, "details": {...}}
//
// where details carries the message and the offending path, index or
// field. Internal stack traces never appear in a payload.
//
// # Concurrency
//
// Tool calls run on their own goroutines so that interrupt_kernel and
// get_kernel_status can reach a kernel while an execution is in flight.
// Responses are written under a mutex, one line each.
package mcp
