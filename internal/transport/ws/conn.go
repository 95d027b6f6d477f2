// Package ws provides the WebSocket server transport built on gobwas/ws.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/chat-gateway/internal/chat"
)

const closeWriteTimeout = time.Second

// Conn adapts a hijacked server-side WebSocket connection to chat.Conn.
// Frames are read one at a time by a single reader; writes are serialised.
type Conn struct {
	conn       net.Conn
	rd         wsutil.Reader
	maxSize    int64
	remoteAddr string

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn. r is the reader left over from the upgrade (it may
// hold buffered bytes); nil reads from conn directly. Messages longer than
// maxSize bytes are rejected.
func NewConn(conn net.Conn, r io.Reader, maxSize int) *Conn {
	if r == nil {
		r = conn
	}
	c := &Conn{
		conn:       conn,
		maxSize:    int64(maxSize),
		remoteAddr: conn.RemoteAddr().String(),
	}
	c.rd = wsutil.Reader{
		Source:         r,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   c.maxSize,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read implements chat.Conn. Pings are answered and pongs dropped here;
// fragmented messages are reassembled.
func (c *Conn) Read(ctx context.Context) (chat.Frame, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return c.readError(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &c.rd); err != nil {
				return c.readError(err)
			}
			if err := c.rd.Discard(); err != nil {
				return c.readError(err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(&c.rd, c.maxSize+1))
		if err != nil {
			return c.readError(err)
		}
		if int64(len(data)) > c.maxSize {
			return chat.Frame{}, fmt.Errorf("%w: limit is %d bytes", chat.ErrMessageTooBig, c.maxSize)
		}
		kind := chat.FrameBinary
		if hdr.OpCode == ws.OpText {
			kind = chat.FrameText
		}
		return chat.Frame{Kind: kind, Data: data}, nil
	}
}

// handleControl answers pings, drops pongs and reports a close frame as
// wsutil.ClosedError. It also runs for control frames between fragments.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	if hdr.OpCode == ws.OpClose {
		payload, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		code, reason := ws.ParseCloseFrameData(payload)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}

	var reply bytes.Buffer
	h := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &reply,
		State:               ws.StateServerSide,
		DisableSrcCiphering: true,
	}
	if err := h.Handle(hdr); err != nil {
		return err
	}
	if reply.Len() == 0 {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(reply.Bytes())
	return err
}

func (c *Conn) readError(err error) (chat.Frame, error) {
	var (
		closed wsutil.ClosedError
		perr   ws.ProtocolError
	)
	switch {
	case errors.As(err, &closed):
		return chat.Frame{Kind: chat.FrameClose, Data: ws.NewCloseFrameBody(closed.Code, closed.Reason)}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return chat.Frame{}, io.EOF
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		return chat.Frame{}, fmt.Errorf("%w: limit is %d bytes", chat.ErrMessageTooBig, c.maxSize)
	case errors.As(err, &perr), errors.Is(err, wsutil.ErrInvalidUTF8):
		return chat.Frame{}, fmt.Errorf("%w: %v", chat.ErrProtocolViolation, err)
	default:
		return chat.Frame{}, err
	}
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, f chat.Frame) error {
	op := ws.OpBinary
	if f.Kind == chat.FrameText {
		op = ws.OpText
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, op, f.Data)
}

// Close implements chat.Conn.
func (c *Conn) Close(code chat.CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		// The peer may already be gone.
		c.wmu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), reason))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
