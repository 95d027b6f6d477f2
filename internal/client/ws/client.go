// Package ws provides a WebSocket client for the gateway's binary protocol.
package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/chat-gateway/internal/client"
	"github.com/omochice/chat-gateway/internal/logging"
	"github.com/omochice/chat-gateway/pkg/protocol"
)

var _ client.Client = (*Client)(nil)

// Client represents a WebSocket gateway client.
type Client struct {
	address  string
	dialer   *websocket.Dialer
	conn     *websocket.Conn
	messages chan client.Message
	mu       sync.RWMutex
	wmu      sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	err      error
}

// New creates a new WebSocket Client instance for a ws:// or wss:// URL.
func New(address string) *Client {
	return &Client{
		address:  address,
		dialer:   websocket.DefaultDialer,
		messages: make(chan client.Message, 16),
		done:     make(chan struct{}),
	}
}

// Connect establishes a WebSocket connection to the server.
func (c *Client) Connect() error {
	conn, _, err := c.dialer.Dial(c.address, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect sends a normal close and waits for the receiver to stop.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.wmu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Messages returns the channel of received messages. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Messages() <-chan client.Message {
	return c.messages
}

// Err returns the error that ended the connection, such as a
// *websocket.CloseError carrying the server's close code.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Register asks the server to create an account.
func (c *Client) Register(username, password string) error {
	return c.SendRequest(client.RegistrationRequest(username, password))
}

// Login authenticates with a username and password.
func (c *Client) Login(username, password string) error {
	return c.SendRequest(client.CredentialsRequest(username, password))
}

// LoginToken renews a session token.
func (c *Client) LoginToken(token string) error {
	return c.SendRequest(client.TokenRequest(token))
}

// Logout ends the current session.
func (c *Client) Logout() error {
	return c.SendRequest(client.LogoutRequest())
}

// SendRequest encodes and sends req.
func (c *Client) SendRequest(req protocol.Request) error {
	data, err := protocol.EncodeRequest(&req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.write(websocket.BinaryMessage, data)
}

// SendRaw sends data as a binary frame without encoding it.
func (c *Client) SendRaw(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// SendText sends a text frame.
func (c *Client) SendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return client.ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					logging.Warningf("Error reading from server: %v", err)
				}
			}
			return
		}

		msg := client.NewMessage(mt == websocket.TextMessage, data)

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}
