// Package protocol implements the binary request/response protocol spoken
// between chat clients and the gateway.
//
// Messages use the protocol buffers wire format. Every tagged union is a
// message whose field number selects the variant, so exactly one variant
// field may be present. A union carrying only field numbers this package
// does not know decodes to an Unrecognized kind instead of failing, which
// lets older gateways accept newer clients.
package protocol

import (
	"errors"
	"fmt"
)

// RequestKind identifies the populated variant of a Request.
type RequestKind int

const (
	RequestUnrecognized RequestKind = iota
	RequestLogin
	RequestRegistration
	RequestLogout
)

// String returns the string representation of RequestKind
func (k RequestKind) String() string {
	switch k {
	case RequestLogin:
		return "LOGIN"
	case RequestRegistration:
		return "REGISTRATION"
	case RequestLogout:
		return "LOGOUT"
	default:
		return "UNRECOGNIZED"
	}
}

// LoginKind identifies the populated variant of a Login request.
type LoginKind int

const (
	LoginUnrecognized LoginKind = iota
	LoginCredentials
	LoginToken
)

// String returns the string representation of LoginKind
func (k LoginKind) String() string {
	switch k {
	case LoginCredentials:
		return "CREDENTIALS"
	case LoginToken:
		return "TOKEN"
	default:
		return "UNRECOGNIZED"
	}
}

// Credentials is a username/password pair as sent by the client.
type Credentials struct {
	Username string
	Password string
}

// Login is either a credentials login or a token renewal.
type Login struct {
	Kind        LoginKind
	Credentials Credentials
	Token       string
}

// Request is one inbound client message.
type Request struct {
	Kind         RequestKind
	Login        Login
	Registration Credentials
}

// User is the public snapshot of an account.
type User struct {
	ID       uint64
	Username string
	Karma    int32
	Streak   int32
}

// ResponseKind identifies the populated variant of a Response.
type ResponseKind int

const (
	ResponseUnrecognized ResponseKind = iota
	ResponseLogin
)

// LoginResultKind identifies the populated variant of a LoginResponse.
type LoginResultKind int

const (
	LoginResultUnrecognized LoginResultKind = iota
	LoginResultSuccess
	LoginResultError
)

// String returns the string representation of LoginResultKind
func (k LoginResultKind) String() string {
	switch k {
	case LoginResultSuccess:
		return "SUCCESS"
	case LoginResultError:
		return "ERROR"
	default:
		return "UNRECOGNIZED"
	}
}

// LoginResponse answers Login and Registration requests.
type LoginResponse struct {
	Kind  LoginResultKind
	Token string
	User  User
	Error string
}

// Response is one outbound gateway message.
type Response struct {
	Kind  ResponseKind
	Login LoginResponse
}

// Decode failures. They are always wrapped in a *DecodeError.
var (
	ErrTruncated        = errors.New("truncated input")
	ErrWireType         = errors.New("unexpected wire type")
	ErrNoVariant        = errors.New("union has no variant")
	ErrMultipleVariants = errors.New("union has more than one variant")
	ErrDuplicateField   = errors.New("duplicate field")
	ErrInvalidUTF8      = errors.New("text is not valid UTF-8")
	ErrOutOfRange       = errors.New("integer out of range")
)

// ErrUnsetVariant is returned when encoding a message whose union kind is
// not set to a known variant.
var ErrUnsetVariant = errors.New("protocol: cannot encode message without a variant")

// DecodeError reports malformed input. Unrecognized variants are not
// reported as DecodeError.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %s: %v", e.Message, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
