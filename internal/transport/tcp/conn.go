// Package tcp provides a raw TCP transport for the gateway.
//
// Each frame is a one-byte kind, a four-byte big-endian payload length and
// the payload:
//
//	+------+----------------+-----------------+
//	| kind | length (uint32)| payload         |
//	+------+----------------+-----------------+
//
// Kinds are 0 binary, 1 text and 2 close. A close payload holds a two-byte
// big-endian status code followed by an optional reason.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/chat-gateway/internal/chat"
)

// Frame kinds on the wire.
const (
	KindBinary byte = 0
	KindText   byte = 1
	KindClose  byte = 2
)

const (
	headerSize        = 5
	closeWriteTimeout = time.Second
)

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	var hdr [headerSize]byte
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame from r, rejecting payloads over maxSize bytes.
func ReadFrame(r io.Reader, maxSize int) (byte, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if int64(n) > int64(maxSize) {
		return 0, nil, fmt.Errorf("%w: %d bytes, limit is %d", chat.ErrMessageTooBig, n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// ClosePayload builds the payload of a close frame.
func ClosePayload(code chat.CloseCode, reason string) []byte {
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// ParseClosePayload splits a close payload into code and reason. An empty
// payload means a normal close.
func ParseClosePayload(p []byte) (chat.CloseCode, string) {
	if len(p) < 2 {
		return chat.CloseNormal, ""
	}
	return chat.CloseCode(binary.BigEndian.Uint16(p)), string(p[2:])
}

// Conn adapts a framed net.Conn to chat.Conn.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	maxSize int

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn, maxSize int) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn), maxSize: maxSize}
}

// Read implements chat.Conn.
func (c *Conn) Read(ctx context.Context) (chat.Frame, error) {
	kind, payload, err := ReadFrame(c.r, c.maxSize)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return chat.Frame{}, io.EOF
		}
		return chat.Frame{}, err
	}
	switch kind {
	case KindBinary:
		return chat.Frame{Kind: chat.FrameBinary, Data: payload}, nil
	case KindText:
		return chat.Frame{Kind: chat.FrameText, Data: payload}, nil
	case KindClose:
		return chat.Frame{Kind: chat.FrameClose, Data: payload}, nil
	default:
		return chat.Frame{}, fmt.Errorf("%w: unknown frame kind %d", chat.ErrProtocolViolation, kind)
	}
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, f chat.Frame) error {
	kind := KindBinary
	if f.Kind == chat.FrameText {
		kind = KindText
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(c.conn, kind, f.Data)
}

// Close implements chat.Conn.
func (c *Conn) Close(code chat.CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		WriteFrame(c.conn, KindClose, ClosePayload(code, reason))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
