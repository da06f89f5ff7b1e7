// Package mcp exposes the session engine as Model Context Protocol tools
// over newline-delimited JSON-RPC 2.0 on stdio.
//
// Tool failures are reported as tool results with isError set; JSON-RPC
// errors are reserved for protocol problems such as unknown methods or
// malformed requests.
package mcp
