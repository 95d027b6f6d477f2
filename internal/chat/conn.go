// Package chat provides the gateway core shared by all transports: the
// session directory and the per-connection state machine.
package chat

import (
	"context"
	"errors"
)

// FrameKind distinguishes the three frame kinds a transport delivers.
type FrameKind int

const (
	FrameBinary FrameKind = iota
	FrameText
	FrameClose
)

// String returns the string representation of FrameKind
func (k FrameKind) String() string {
	switch k {
	case FrameBinary:
		return "BINARY"
	case FrameText:
		return "TEXT"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Frame is one complete message read from or written to a Conn.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// CloseCode is the status sent to the peer when a connection is closed.
// Values follow RFC 6455.
type CloseCode uint16

const (
	CloseNormal        CloseCode = 1000
	CloseGoingAway     CloseCode = 1001
	CloseProtocolError CloseCode = 1002
	CloseMessageTooBig CloseCode = 1009
	CloseInternalError CloseCode = 1011
)

var (
	// ErrProtocolViolation is returned by transports for malformed frames
	// and by Serve for undecodable requests.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrMessageTooBig is returned by Conn.Read for oversized messages.
	ErrMessageTooBig = errors.New("message too big")
)

// Conn abstracts a bidirectional message connection.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read returns the next complete frame. A close frame from the peer is
	// returned as a FrameClose frame; io.EOF means the peer went away.
	Read(ctx context.Context) (Frame, error)

	// Write sends a binary or text frame. Safe for concurrent use.
	Write(ctx context.Context, f Frame) error

	// Close sends a close frame with code and reason and releases the
	// connection. Calls after the first are no-ops.
	Close(code CloseCode, reason string) error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
