package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. Inside a union the field number is the discriminant.
const (
	fieldRequestLogin        protowire.Number = 1
	fieldRequestRegistration protowire.Number = 2
	fieldRequestLogout       protowire.Number = 3

	fieldLoginCredentials protowire.Number = 1
	fieldLoginToken       protowire.Number = 2

	fieldCredentialsUsername protowire.Number = 1
	fieldCredentialsPassword protowire.Number = 2

	fieldResponseLogin protowire.Number = 1

	fieldLoginResultSuccess protowire.Number = 1
	fieldLoginResultError   protowire.Number = 2

	fieldSuccessToken protowire.Number = 1
	fieldSuccessUser  protowire.Number = 2

	fieldUserID       protowire.Number = 1
	fieldUserUsername protowire.Number = 2
	fieldUserKarma    protowire.Number = 3
	fieldUserStreak   protowire.Number = 4
)

// fieldReader walks the fields of one encoded message. The first failure
// sticks and stops iteration.
type fieldReader struct {
	message string
	b       []byte
	num     protowire.Number
	typ     protowire.Type
	seen    uint64
	err     error
}

func newFieldReader(message string, b []byte) *fieldReader {
	return &fieldReader{message: message, b: b}
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.failParse(n)
		return false
	}
	r.b = r.b[n:]
	r.num, r.typ = num, typ
	return true
}

func (r *fieldReader) fail(err error) {
	if r.err != nil {
		return
	}
	var de *DecodeError
	if errors.As(err, &de) {
		r.err = err
		return
	}
	r.err = &DecodeError{Message: r.message, Err: err}
}

func (r *fieldReader) failParse(n int) {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrTruncated
	}
	r.fail(err)
}

// once marks the current record field as seen and rejects repeats.
func (r *fieldReader) once() bool {
	bit := uint64(1) << uint(r.num)
	if r.seen&bit != 0 {
		r.fail(fmt.Errorf("%w %d", ErrDuplicateField, r.num))
		return false
	}
	r.seen |= bit
	return true
}

func (r *fieldReader) expect(typ protowire.Type) bool {
	if r.typ != typ {
		r.fail(fmt.Errorf("%w for field %d", ErrWireType, r.num))
		return false
	}
	return true
}

func (r *fieldReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.failParse(n)
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) text() string {
	v := r.bytes()
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(v) {
		r.fail(fmt.Errorf("%w in field %d", ErrInvalidUTF8, r.num))
		return ""
	}
	return string(v)
}

func (r *fieldReader) varint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.failParse(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) sint32() int32 {
	v := protowire.DecodeZigZag(r.varint())
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.fail(fmt.Errorf("%w in field %d", ErrOutOfRange, r.num))
		return 0
	}
	return int32(v)
}

// nested decodes the current length-delimited field as an embedded message.
func (r *fieldReader) nested(decode func(b []byte) error) {
	b := r.bytes()
	if r.err != nil {
		return
	}
	if err := decode(b); err != nil {
		r.fail(err)
	}
}

func (r *fieldReader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	if n < 0 {
		r.failParse(n)
		return
	}
	r.b = r.b[n:]
}

// union tracks which variant of a tagged union has been read.
type union struct {
	num     protowire.Number
	unknown bool
}

// pick claims the current field as the variant.
func (u *union) pick(r *fieldReader) bool {
	if u.num != 0 {
		r.fail(ErrMultipleVariants)
		return false
	}
	u.num = r.num
	return true
}

func (u *union) skipUnknown(r *fieldReader) {
	u.unknown = true
	r.skip()
}

// recognized reports whether a known variant was read. A union with no
// fields at all is malformed.
func (u *union) recognized(r *fieldReader) bool {
	if r.err != nil {
		return false
	}
	if u.num == 0 && !u.unknown {
		r.fail(ErrNoVariant)
		return false
	}
	return u.num != 0
}

// DecodeRequest parses one client request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	r := newFieldReader("request", data)
	var u union
	for r.next() {
		switch r.num {
		case fieldRequestLogin:
			if u.pick(r) {
				req.Kind = RequestLogin
				r.nested(func(b []byte) (err error) {
					req.Login, err = decodeLogin(b)
					return err
				})
			}
		case fieldRequestRegistration:
			if u.pick(r) {
				req.Kind = RequestRegistration
				r.nested(func(b []byte) (err error) {
					req.Registration, err = decodeCredentials("registration", b)
					return err
				})
			}
		case fieldRequestLogout:
			if u.pick(r) {
				req.Kind = RequestLogout
				r.nested(func(b []byte) error {
					return decodeEmpty("logout", b)
				})
			}
		default:
			u.skipUnknown(r)
		}
	}
	if !u.recognized(r) {
		if r.err != nil {
			return Request{}, r.err
		}
		return Request{Kind: RequestUnrecognized}, nil
	}
	return req, nil
}

func decodeLogin(b []byte) (Login, error) {
	var login Login
	r := newFieldReader("login", b)
	var u union
	for r.next() {
		switch r.num {
		case fieldLoginCredentials:
			if u.pick(r) {
				login.Kind = LoginCredentials
				r.nested(func(b []byte) (err error) {
					login.Credentials, err = decodeCredentials("credentials", b)
					return err
				})
			}
		case fieldLoginToken:
			if u.pick(r) {
				login.Kind = LoginToken
				login.Token = r.text()
			}
		default:
			u.skipUnknown(r)
		}
	}
	if !u.recognized(r) {
		if r.err != nil {
			return Login{}, r.err
		}
		return Login{Kind: LoginUnrecognized}, nil
	}
	return login, nil
}

func decodeCredentials(message string, b []byte) (Credentials, error) {
	var c Credentials
	r := newFieldReader(message, b)
	for r.next() {
		switch r.num {
		case fieldCredentialsUsername:
			if r.once() {
				c.Username = r.text()
			}
		case fieldCredentialsPassword:
			if r.once() {
				c.Password = r.text()
			}
		default:
			r.skip()
		}
	}
	return c, r.err
}

func decodeEmpty(message string, b []byte) error {
	r := newFieldReader(message, b)
	for r.next() {
		r.skip()
	}
	return r.err
}

// DecodeResponse parses one gateway response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	r := newFieldReader("response", data)
	var u union
	for r.next() {
		switch r.num {
		case fieldResponseLogin:
			if u.pick(r) {
				resp.Kind = ResponseLogin
				r.nested(func(b []byte) (err error) {
					resp.Login, err = decodeLoginResponse(b)
					return err
				})
			}
		default:
			u.skipUnknown(r)
		}
	}
	if !u.recognized(r) {
		if r.err != nil {
			return Response{}, r.err
		}
		return Response{Kind: ResponseUnrecognized}, nil
	}
	return resp, nil
}

func decodeLoginResponse(b []byte) (LoginResponse, error) {
	var lr LoginResponse
	r := newFieldReader("login response", b)
	var u union
	for r.next() {
		switch r.num {
		case fieldLoginResultSuccess:
			if u.pick(r) {
				lr.Kind = LoginResultSuccess
				r.nested(func(b []byte) error {
					return decodeSuccess(&lr, b)
				})
			}
		case fieldLoginResultError:
			if u.pick(r) {
				lr.Kind = LoginResultError
				lr.Error = r.text()
			}
		default:
			u.skipUnknown(r)
		}
	}
	if !u.recognized(r) {
		if r.err != nil {
			return LoginResponse{}, r.err
		}
		return LoginResponse{Kind: LoginResultUnrecognized}, nil
	}
	return lr, nil
}

func decodeSuccess(lr *LoginResponse, b []byte) error {
	r := newFieldReader("login success", b)
	for r.next() {
		switch r.num {
		case fieldSuccessToken:
			if r.once() {
				lr.Token = r.text()
			}
		case fieldSuccessUser:
			if r.once() {
				r.nested(func(b []byte) (err error) {
					lr.User, err = decodeUser(b)
					return err
				})
			}
		default:
			r.skip()
		}
	}
	return r.err
}

func decodeUser(b []byte) (User, error) {
	var u User
	r := newFieldReader("user", b)
	for r.next() {
		switch r.num {
		case fieldUserID:
			if r.once() {
				u.ID = r.varint()
			}
		case fieldUserUsername:
			if r.once() {
				u.Username = r.text()
			}
		case fieldUserKarma:
			if r.once() {
				u.Karma = r.sint32()
			}
		case fieldUserStreak:
			if r.once() {
				u.Streak = r.sint32()
			}
		default:
			r.skip()
		}
	}
	return u, r.err
}

// EncodeRequest serialises a client request.
func EncodeRequest(req *Request) ([]byte, error) {
	return AppendRequest(nil, req)
}

// AppendRequest appends the encoding of req to b.
func AppendRequest(b []byte, req *Request) ([]byte, error) {
	switch req.Kind {
	case RequestLogin:
		login, err := appendLogin(nil, &req.Login)
		if err != nil {
			return b, err
		}
		b = appendMessage(b, fieldRequestLogin, login)
	case RequestRegistration:
		b = appendMessage(b, fieldRequestRegistration, appendCredentials(nil, &req.Registration))
	case RequestLogout:
		b = appendMessage(b, fieldRequestLogout, nil)
	default:
		return b, fmt.Errorf("%w: request kind %v", ErrUnsetVariant, req.Kind)
	}
	return b, nil
}

func appendLogin(b []byte, login *Login) ([]byte, error) {
	switch login.Kind {
	case LoginCredentials:
		b = appendMessage(b, fieldLoginCredentials, appendCredentials(nil, &login.Credentials))
	case LoginToken:
		b = appendText(b, fieldLoginToken, login.Token)
	default:
		return b, fmt.Errorf("%w: login kind %v", ErrUnsetVariant, login.Kind)
	}
	return b, nil
}

func appendCredentials(b []byte, c *Credentials) []byte {
	b = appendText(b, fieldCredentialsUsername, c.Username)
	return appendText(b, fieldCredentialsPassword, c.Password)
}

// EncodeResponse serialises a gateway response. The output depends only on
// the logical content of resp.
func EncodeResponse(resp *Response) ([]byte, error) {
	return AppendResponse(nil, resp)
}

// AppendResponse appends the encoding of resp to b.
func AppendResponse(b []byte, resp *Response) ([]byte, error) {
	if resp.Kind != ResponseLogin {
		return b, fmt.Errorf("%w: response kind %v", ErrUnsetVariant, resp.Kind)
	}
	var lr []byte
	switch resp.Login.Kind {
	case LoginResultSuccess:
		success := appendText(nil, fieldSuccessToken, resp.Login.Token)
		success = appendMessage(success, fieldSuccessUser, appendUser(nil, &resp.Login.User))
		lr = appendMessage(lr, fieldLoginResultSuccess, success)
	case LoginResultError:
		lr = appendText(lr, fieldLoginResultError, resp.Login.Error)
	default:
		return b, fmt.Errorf("%w: login result kind %v", ErrUnsetVariant, resp.Login.Kind)
	}
	return appendMessage(b, fieldResponseLogin, lr), nil
}

func appendUser(b []byte, u *User) []byte {
	b = protowire.AppendTag(b, fieldUserID, protowire.VarintType)
	b = protowire.AppendVarint(b, u.ID)
	b = appendText(b, fieldUserUsername, u.Username)
	b = protowire.AppendTag(b, fieldUserKarma, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(u.Karma)))
	b = protowire.AppendTag(b, fieldUserStreak, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(u.Streak)))
}

func appendText(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
