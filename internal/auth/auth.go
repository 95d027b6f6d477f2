// Package auth implements the login, token renewal and registration
// handlers. Each handler talks to the identity store and the token service
// and, on success, populates the response builder it is given.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/omochice/chat-gateway/internal/identity"
	"github.com/omochice/chat-gateway/pkg/protocol"
)

// MaxUsernameLength bounds usernames accepted at registration, in bytes.
const MaxUsernameLength = 64

var (
	// ErrInvalidInput is returned for empty or oversized credentials.
	ErrInvalidInput = errors.New("invalid username or password")
	// ErrMissingToken is returned by LoginToken for an empty token.
	ErrMissingToken = errors.New("session token is required")
	// ErrSessionMismatch is returned when a session record names a different
	// user than the token presented for it.
	ErrSessionMismatch = errors.New("session does not belong to token")
	// ErrTimeout is returned when a collaborator does not answer in time.
	ErrTimeout = errors.New("timed out")
)

// IdentityStore is the subset of identity.Store used by the handlers.
type IdentityStore interface {
	FindUser(ctx context.Context, username, password string) (identity.User, error)
	FindUserByID(ctx context.Context, id uint64) (identity.User, error)
	CreateUser(ctx context.Context, username, password string) (identity.User, error)
	CreateSession(ctx context.Context, tokenID string, userID uint64) (identity.Session, error)
	UpdateSession(ctx context.Context, oldTokenID, newTokenID string) (identity.Session, error)
	DeleteSession(ctx context.Context, tokenID string) error
}

// TokenService issues and rotates session tokens.
type TokenService interface {
	Issue(userID uint64) (string, error)
	Verify(token string) (newToken string, userID uint64, err error)
}

// Service runs the handlers. It is safe for concurrent use.
type Service struct {
	store   IdentityStore
	tokens  TokenService
	timeout time.Duration
}

// New returns a Service bounding every collaborator call by timeout.
func New(store IdentityStore, tokens TokenService, timeout time.Duration) *Service {
	return &Service{store: store, tokens: tokens, timeout: timeout}
}

// call runs fn under the service timeout. The result of a call that
// outlives its deadline is discarded.
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return zero, ctx.Err()
	}
}

func validCredentials(c protocol.Credentials) bool {
	return c.Username != "" && c.Password != "" &&
		len(c.Username) <= MaxUsernameLength && utf8.ValidString(c.Username)
}

func toProtocol(u identity.User) protocol.User {
	return protocol.User{ID: u.ID, Username: u.Username, Karma: u.Karma, Streak: u.Streak}
}

// startSession issues a token for user, records it and fills b.
func (s *Service) startSession(ctx context.Context, b *protocol.Builder, user identity.User) (string, error) {
	tok, err := call(ctx, s.timeout, "issue token", func(context.Context) (string, error) {
		return s.tokens.Issue(user.ID)
	})
	if err != nil {
		return "", err
	}
	_, err = call(ctx, s.timeout, "create session", func(ctx context.Context) (identity.Session, error) {
		return s.store.CreateSession(ctx, tok, user.ID)
	})
	if err != nil {
		return "", err
	}
	if err := b.SetLoginSuccess(tok, toProtocol(user)); err != nil {
		return "", err
	}
	return tok, nil
}

// LoginCredentials authenticates with a username and password and returns
// the issued token.
func (s *Service) LoginCredentials(ctx context.Context, b *protocol.Builder, c protocol.Credentials) (string, error) {
	if c.Username == "" || c.Password == "" {
		return "", ErrInvalidInput
	}
	user, err := call(ctx, s.timeout, "find user", func(ctx context.Context) (identity.User, error) {
		return s.store.FindUser(ctx, c.Username, c.Password)
	})
	if err != nil {
		return "", err
	}
	return s.startSession(ctx, b, user)
}

// LoginToken renews a session token. The presented token is retired and its
// replacement returned.
func (s *Service) LoginToken(ctx context.Context, b *protocol.Builder, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	type verified struct {
		token  string
		userID uint64
	}
	v, err := call(ctx, s.timeout, "verify token", func(context.Context) (verified, error) {
		next, userID, err := s.tokens.Verify(token)
		return verified{next, userID}, err
	})
	if err != nil {
		return "", err
	}
	sess, err := call(ctx, s.timeout, "update session", func(ctx context.Context) (identity.Session, error) {
		return s.store.UpdateSession(ctx, token, v.token)
	})
	if err != nil {
		return "", err
	}
	if sess.UserID != v.userID {
		// The rotated record is already stored; retire it.
		if err := s.Logout(ctx, v.token); err != nil {
			return "", err
		}
		return "", ErrSessionMismatch
	}
	user, err := call(ctx, s.timeout, "find user", func(ctx context.Context) (identity.User, error) {
		return s.store.FindUserByID(ctx, v.userID)
	})
	if err != nil {
		return "", err
	}
	if err := b.SetLoginSuccess(v.token, toProtocol(user)); err != nil {
		return "", err
	}
	return v.token, nil
}

// Register creates a user and logs it in.
func (s *Service) Register(ctx context.Context, b *protocol.Builder, c protocol.Credentials) (string, error) {
	if !validCredentials(c) {
		return "", ErrInvalidInput
	}
	user, err := call(ctx, s.timeout, "create user", func(ctx context.Context) (identity.User, error) {
		return s.store.CreateUser(ctx, c.Username, c.Password)
	})
	if err != nil {
		return "", err
	}
	return s.startSession(ctx, b, user)
}

// Logout deletes the session of token.
func (s *Service) Logout(ctx context.Context, token string) error {
	_, err := call(ctx, s.timeout, "delete session", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.DeleteSession(ctx, token)
	})
	return err
}
