// Package tcp provides a TCP client for the gateway's framed transport.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/chat-gateway/internal/chat"
	"github.com/omochice/chat-gateway/internal/client"
	"github.com/omochice/chat-gateway/internal/logging"
	transport "github.com/omochice/chat-gateway/internal/transport/tcp"
	"github.com/omochice/chat-gateway/pkg/protocol"
)

// DefaultMaxFrameSize bounds frames read from the server.
const DefaultMaxFrameSize = 1 << 20

// CloseError reports the close frame sent by the server.
type CloseError struct {
	Code   chat.CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed by server (%d)", e.Code)
	}
	return fmt.Sprintf("connection closed by server (%d): %s", e.Code, e.Reason)
}

var _ client.Client = (*Client)(nil)

// Client represents a TCP gateway client
type Client struct {
	address  string
	conn     net.Conn
	messages chan client.Message
	mu       sync.RWMutex
	wmu      sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	err      error
}

// New creates a new Client instance for a host:port address
func New(address string) *Client {
	return &Client{
		address:  address,
		messages: make(chan client.Message, 16),
		done:     make(chan struct{}),
	}
}

// Connect establishes a connection to the server
func (c *Client) Connect() error {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Start receiving messages
	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect sends a normal close and waits for the receiver to stop
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		transport.WriteFrame(conn, transport.KindClose, transport.ClosePayload(chat.CloseNormal, ""))
		c.wmu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Messages returns the channel for receiving messages. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan client.Message {
	return c.messages
}

// Err returns the error that ended the connection. A server close is
// reported as a *CloseError.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Register asks the server to create an account
func (c *Client) Register(username, password string) error {
	return c.SendRequest(client.RegistrationRequest(username, password))
}

// Login authenticates with a username and password
func (c *Client) Login(username, password string) error {
	return c.SendRequest(client.CredentialsRequest(username, password))
}

// LoginToken renews a session token
func (c *Client) LoginToken(token string) error {
	return c.SendRequest(client.TokenRequest(token))
}

// Logout ends the current session
func (c *Client) Logout() error {
	return c.SendRequest(client.LogoutRequest())
}

// SendRequest encodes and sends req
func (c *Client) SendRequest(req protocol.Request) error {
	data, err := protocol.EncodeRequest(&req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.send(transport.KindBinary, data)
}

// SendRaw sends data as a binary frame without encoding it
func (c *Client) SendRaw(data []byte) error {
	return c.send(transport.KindBinary, data)
}

// SendText sends a text frame
func (c *Client) SendText(text string) error {
	return c.send(transport.KindText, []byte(text))
}

func (c *Client) send(kind byte, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return client.ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := transport.WriteFrame(conn, kind, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// receiveMessages continuously receives frames from the server
func (c *Client) receiveMessages(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		kind, payload, err := transport.ReadFrame(conn, DefaultMaxFrameSize)
		if err == nil && kind == transport.KindClose {
			code, reason := transport.ParseClosePayload(payload)
			err = &CloseError{Code: code, Reason: reason}
		}
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			var ce *CloseError
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) && !(errors.As(err, &ce) && ce.Code == chat.CloseNormal) {
					logging.Warningf("Error reading from server: %v", err)
				}
			}
			return
		}

		select {
		case c.messages <- client.NewMessage(kind == transport.KindText, payload):
		case <-c.done:
			return
		}
	}
}
