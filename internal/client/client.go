// Package client defines the common interface for gateway clients.
package client

import (
	"errors"

	"github.com/omochice/chat-gateway/pkg/protocol"
)

// ErrNotConnected is returned by senders before Connect or after Disconnect.
var ErrNotConnected = errors.New("not connected to server")

// Client defines the interface for gateway clients.
// Both TCP and WebSocket implementations satisfy this interface.
type Client interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Messages() <-chan Message
	Err() error

	Register(username, password string) error
	Login(username, password string) error
	LoginToken(token string) error
	Logout() error
	SendRequest(req protocol.Request) error
	SendRaw(data []byte) error
	SendText(text string) error
}

// Message is one message received from the server.
type Message struct {
	// Text is set for text frames, such as echoes.
	Text bool
	Data []byte
	// Response is set for binary frames that decode as a protocol response.
	// Other binary frames are directory deliveries.
	Response *protocol.Response
}

// NewMessage classifies a received frame.
func NewMessage(text bool, data []byte) Message {
	msg := Message{Text: text, Data: data}
	if !text {
		if resp, err := protocol.DecodeResponse(data); err == nil && resp.Kind == protocol.ResponseLogin {
			msg.Response = &resp
		}
	}
	return msg
}

// RegistrationRequest asks for a new account.
func RegistrationRequest(username, password string) protocol.Request {
	return protocol.Request{
		Kind:         protocol.RequestRegistration,
		Registration: protocol.Credentials{Username: username, Password: password},
	}
}

// CredentialsRequest logs in with a username and password.
func CredentialsRequest(username, password string) protocol.Request {
	return protocol.Request{
		Kind: protocol.RequestLogin,
		Login: protocol.Login{
			Kind:        protocol.LoginCredentials,
			Credentials: protocol.Credentials{Username: username, Password: password},
		},
	}
}

// TokenRequest renews a session token.
func TokenRequest(token string) protocol.Request {
	return protocol.Request{
		Kind:  protocol.RequestLogin,
		Login: protocol.Login{Kind: protocol.LoginToken, Token: token},
	}
}

// LogoutRequest ends the current session.
func LogoutRequest() protocol.Request {
	return protocol.Request{Kind: protocol.RequestLogout}
}
