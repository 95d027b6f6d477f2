// Package identity defines the user and session persistence contract used by
// the gateway, together with the password hashing shared by its backends.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserNotFound is returned when no user matches, including a wrong password.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned by CreateUser for a taken username.
	ErrUserExists = errors.New("username already taken")
	// ErrSessionNotFound is returned for unknown or expired session tokens.
	ErrSessionNotFound = errors.New("session not found")
)

// User is a stored account. Karma and Streak are maintained elsewhere.
type User struct {
	ID       uint64
	Username string
	Karma    int32
	Streak   int32
}

// Session binds a token identifier to a user.
type Session struct {
	TokenID   string
	UserID    uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists users and sessions. Implementations are safe for
// concurrent use.
type Store interface {
	// FindUser returns the user whose username and password both match.
	FindUser(ctx context.Context, username, password string) (User, error)
	FindUserByID(ctx context.Context, id uint64) (User, error)
	CreateUser(ctx context.Context, username, password string) (User, error)
	CreateSession(ctx context.Context, tokenID string, userID uint64) (Session, error)
	// UpdateSession atomically replaces oldTokenID by newTokenID. The old
	// identifier is unusable afterwards.
	UpdateSession(ctx context.Context, oldTokenID, newTokenID string) (Session, error)
	// DeleteSession removes a session. Deleting an unknown session is not an error.
	DeleteSession(ctx context.Context, tokenID string) error
	Close() error
}

// Hasher hashes and checks passwords with bcrypt.
type Hasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher returns a Hasher using the given bcrypt cost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Check reports whether password matches hash.
func (h *Hasher) Check(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckMissing spends the same work as Check for a username that does not
// exist, so lookups of unknown and known users take similar time.
func (h *Hasher) CheckMissing(password string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("missing-user"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}
