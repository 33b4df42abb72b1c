// Package transport moves JSON-RPC messages between this process and an MCP
// server. The stdio transport owns a server subprocess and correlates
// responses arriving on its sentinel-framed stdout; the HTTP transport posts
// each message to a remote endpoint.
//
// Context expiry on a call abandons only that call. The transport, its
// subprocess, and any other in-flight calls stay healthy, and a late
// response to an abandoned ID is logged and discarded.
package transport

import "errors"

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("transport closed")

// Frame directions passed to Observer hooks.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// Observer receives a copy of every protocol frame a transport moves, after
// encoding and before decoding. Implementations must be safe for concurrent
// use; transports call them from multiple goroutines.
type Observer func(direction string, payload []byte)
