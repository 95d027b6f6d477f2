package protocol

import "errors"

var (
	// ErrResponsePopulated is returned when a second variant is set within one cycle.
	ErrResponsePopulated = errors.New("protocol: response already populated")
	// ErrResponseEmpty is returned by Serialize before any variant is set.
	ErrResponseEmpty = errors.New("protocol: response not populated")
)

// maxRetainedBuffer bounds the encode buffer kept across cycles.
const maxRetainedBuffer = 64 << 10

// Builder assembles the single response of one request/response cycle.
// Reset must be called at the start of every cycle; after it exactly one
// of SetLoginSuccess or SetLoginError may be called.
type Builder struct {
	resp    Response
	set     bool
	encoded bool
	buf     []byte
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Reset discards the previous response.
func (b *Builder) Reset() {
	b.resp = Response{}
	b.set = false
	b.encoded = false
	if cap(b.buf) > maxRetainedBuffer {
		b.buf = nil
	} else {
		b.buf = b.buf[:0]
	}
}

// SetLoginSuccess populates Login.Success.
func (b *Builder) SetLoginSuccess(token string, user User) error {
	if b.set {
		return ErrResponsePopulated
	}
	b.resp = Response{
		Kind: ResponseLogin,
		Login: LoginResponse{
			Kind:  LoginResultSuccess,
			Token: token,
			User:  user,
		},
	}
	b.set = true
	return nil
}

// SetLoginError populates Login.Error.
func (b *Builder) SetLoginError(message string) error {
	if b.set {
		return ErrResponsePopulated
	}
	b.resp = Response{
		Kind: ResponseLogin,
		Login: LoginResponse{
			Kind:  LoginResultError,
			Error: message,
		},
	}
	b.set = true
	return nil
}

// Populated reports whether a variant has been set since the last Reset.
func (b *Builder) Populated() bool {
	return b.set
}

// Response returns a copy of the response being built.
func (b *Builder) Response() Response {
	return b.resp
}

// Serialize encodes the response. Repeated calls within one cycle return
// equal bytes; the returned slice is owned by the caller.
func (b *Builder) Serialize() ([]byte, error) {
	if !b.set {
		return nil, ErrResponseEmpty
	}
	if !b.encoded {
		buf, err := AppendResponse(b.buf[:0], &b.resp)
		if err != nil {
			return nil, err
		}
		b.buf = buf
		b.encoded = true
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, nil
}
