package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/omochice/chat-gateway/internal/logging"
	"github.com/omochice/chat-gateway/pkg/protocol"
)

// State of a Connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrAlreadyServing is returned by a second call to Serve.
	ErrAlreadyServing = errors.New("connection already served")
	// ErrDirectoryUnavailable wraps a failed session directory registration.
	ErrDirectoryUnavailable = errors.New("session directory unavailable")
)

// Authenticator runs the login and registration handlers. On success each
// handler populates b and returns the session token it issued.
type Authenticator interface {
	LoginCredentials(ctx context.Context, b *protocol.Builder, c protocol.Credentials) (string, error)
	LoginToken(ctx context.Context, b *protocol.Builder, token string) (string, error)
	Register(ctx context.Context, b *protocol.Builder, c protocol.Credentials) (string, error)
	Logout(ctx context.Context, token string) error
}

// Options tunes a Connection.
type Options struct {
	// QueueSize is the capacity of the outgoing frame queue.
	QueueSize int
	// CallTimeout bounds session directory calls.
	CallTimeout time.Duration
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{QueueSize: 16, CallTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

// Connection drives one client socket. Frames are handled one at a time by
// Serve; a separate writer goroutine drains the outgoing queue, which both
// responses and directory deliveries feed.
type Connection struct {
	conn Conn
	dir  Directory
	auth Authenticator
	opts Options
	log  logging.Logger

	state     *atomic.Int32
	sessionID *atomic.String
	serving   *atomic.Bool

	// Owned by the Serve goroutine.
	builder *protocol.Builder
	token   string

	outgoing chan Frame
	done     chan struct{}

	closeMu     sync.Mutex
	closeCode   CloseCode
	closeReason string

	deregister sync.Once
}

// NewConnection returns a Connection for conn. Call Serve to run it.
func NewConnection(conn Conn, dir Directory, auth Authenticator, opts Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		conn:      conn,
		dir:       dir,
		auth:      auth,
		opts:      opts,
		log:       logging.WithPrefix(conn.RemoteAddr()),
		state:     atomic.NewInt32(int32(StateUnauthenticated)),
		sessionID: atomic.NewString(""),
		serving:   atomic.NewBool(false),
		builder:   protocol.NewBuilder(),
		outgoing:  make(chan Frame, opts.QueueSize),
		done:      make(chan struct{}),
		closeCode: CloseNormal,
	}
}

// State returns the current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SessionID returns the directory session id, or "" before registration.
func (c *Connection) SessionID() string {
	return c.sessionID.Load()
}

// Done is closed once the connection has reached StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Deliver implements Target. The payload is queued verbatim as a binary
// frame; it is dropped when the queue is full or the connection is closed.
func (c *Connection) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outgoing <- Frame{Kind: FrameBinary, Data: payload}:
		return true
	default:
		c.log.Warningf("Outgoing queue full, dropping delivery")
		return false
	}
}

// Serve reads and handles frames until the peer closes, a fatal error
// occurs or ctx is cancelled. It returns nil for an orderly close.
func (c *Connection) Serve(ctx context.Context) error {
	if !c.serving.CAS(false, true) {
		return ErrAlreadyServing
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock Read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close(CloseGoingAway, "server shutting down")
	})

	writerDone := make(chan struct{})
	go c.writeLoop(cancel, writerDone)

	err := c.readLoop(ctx)

	c.teardown()
	<-writerDone
	if stop() {
		code, reason := c.closeStatus()
		c.conn.Close(code, reason)
	}
	c.log.Debugf("Connection closed")
	return err
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		f, err := c.conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, ErrMessageTooBig):
				c.setClose(CloseMessageTooBig, "message too big")
				return err
			case errors.Is(err, ErrProtocolViolation):
				c.setClose(CloseProtocolError, "protocol violation")
				return err
			default:
				return fmt.Errorf("read: %w", err)
			}
		}

		switch f.Kind {
		case FrameText:
			if err := c.enqueue(ctx, Frame{Kind: FrameText, Data: f.Data}); err != nil {
				return nil
			}
		case FrameBinary:
			if err := c.handleBinary(ctx, f.Data); err != nil {
				return err
			}
		case FrameClose:
			return nil
		}
	}
}

func (c *Connection) handleBinary(ctx context.Context, data []byte) error {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		c.log.Errorf("Failed to decode request: %v", err)
		c.setClose(CloseProtocolError, "malformed request")
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch req.Kind {
	case protocol.RequestLogin:
		switch req.Login.Kind {
		case protocol.LoginCredentials:
			return c.respond(ctx, func(b *protocol.Builder) (string, error) {
				return c.auth.LoginCredentials(ctx, b, req.Login.Credentials)
			})
		case protocol.LoginToken:
			return c.respond(ctx, func(b *protocol.Builder) (string, error) {
				return c.auth.LoginToken(ctx, b, req.Login.Token)
			})
		default:
			c.log.Debugf("Ignoring unrecognized login variant")
		}
	case protocol.RequestRegistration:
		return c.respond(ctx, func(b *protocol.Builder) (string, error) {
			return c.auth.Register(ctx, b, req.Registration)
		})
	case protocol.RequestLogout:
		c.logout(ctx)
	default:
		c.log.Debugf("Ignoring unrecognized request variant")
	}
	return nil
}

// respond runs one request/response cycle and queues exactly one response.
func (c *Connection) respond(ctx context.Context, handle func(*protocol.Builder) (string, error)) error {
	c.builder.Reset()
	token, err := handle(c.builder)
	if err == nil && !c.builder.Populated() {
		err = errors.New("internal error")
	}
	if err != nil {
		c.log.Warningf("Request failed: %v", err)
		c.builder.Reset()
		c.builder.SetLoginError(err.Error())
	}
	data, serr := c.builder.Serialize()
	if serr != nil {
		return fmt.Errorf("serialize response: %w", serr)
	}

	var fatal error
	if err == nil {
		c.token = token
		c.state.Store(int32(StateAuthenticated))
		fatal = c.register(ctx)
	}
	if qerr := c.enqueue(ctx, Frame{Kind: FrameBinary, Data: data}); qerr != nil {
		return nil
	}
	return fatal
}

// register hands the connection to the directory on its first successful
// authentication.
func (c *Connection) register(ctx context.Context) error {
	if c.sessionID.Load() != "" {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	id, err := c.dir.Register(rctx, c)
	if err != nil {
		c.log.Errorf("Session directory registration failed: %v", err)
		c.setClose(CloseInternalError, "session directory unavailable")
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	c.sessionID.Store(id)
	c.log.Debugf("Registered session %s", id)
	return nil
}

func (c *Connection) logout(ctx context.Context) {
	if c.token != "" {
		if err := c.auth.Logout(ctx, c.token); err != nil {
			c.log.Warningf("Logout failed: %v", err)
		}
		c.token = ""
	}
	c.state.CAS(int32(StateAuthenticated), int32(StateUnauthenticated))
}

// enqueue blocks until f is queued or ctx is done.
func (c *Connection) enqueue(ctx context.Context, f Frame) error {
	select {
	case c.outgoing <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) writeLoop(cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case f := <-c.outgoing:
			if err := c.write(f); err != nil {
				c.log.Warningf("Failed to write frame: %v", err)
				cancel()
				return
			}
		case <-c.done:
			// Flush what is already queued, then stop.
			for {
				select {
				case f := <-c.outgoing:
					if err := c.write(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) write(f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, f)
}

func (c *Connection) teardown() {
	c.state.Store(int32(StateClosed))
	close(c.done)
	c.deregister.Do(func() {
		id := c.sessionID.Load()
		if id == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		defer cancel()
		if err := c.dir.Deregister(ctx, id); err != nil {
			c.log.Warningf("Failed to deregister session %s: %v", id, err)
		}
	})
}

// setClose records the close status; the first call wins.
func (c *Connection) setClose(code CloseCode, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode == CloseNormal && c.closeReason == "" {
		c.closeCode = code
		c.closeReason = reason
	}
}

func (c *Connection) closeStatus() (CloseCode, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}
