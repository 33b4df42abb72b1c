// Package mcp implements MCP (Model Context Protocol) client support,
// allowing mcpprobe to connect to external MCP servers, discover their
// tools, and invoke them.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. The client performs the initialize handshake, then
// discovers tools via tools/list and invokes them via tools/call.
// Protocol-level errors returned by the server are surfaced to callers
// as *jsonrpc.Error values so probes can report them verbatim.
//
// This implementation covers the client/host side only — mcpprobe does
// not act as an MCP server.
package mcp
