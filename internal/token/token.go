// Package token issues and rotates the signed session tokens handed to
// clients after a successful login.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// ErrInvalidToken is returned by Verify for tokens that are malformed,
// expired or signed with another key.
var ErrInvalidToken = errors.New("invalid session token")

// Claims carried by a session token. Subject holds the user id and ID a
// random token identifier, so two tokens for the same user never collide.
type Claims struct {
	jwt.RegisteredClaims
}

// Config configures a Service.
type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Service signs tokens with HS256.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// New returns a Service for cfg.
func New(cfg Config) (*Service, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token: secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token: ttl must be positive")
	}
	s := &Service{
		secret: append([]byte(nil), cfg.Secret...),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    time.Now,
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	s.parser = jwt.NewParser(options...)
	return s, nil
}

// Issue returns a fresh token for userID.
func (s *Service) Issue(userID uint64) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatUint(userID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Parse validates tokenString and returns its claims.
func (s *Service) Parse(tokenString string) (*Claims, uint64, error) {
	claims := &Claims{}
	tok, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, 0, ErrInvalidToken
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return claims, userID, nil
}

// Verify checks tokenString and, when it is valid, issues its replacement.
// The caller is responsible for retiring the old token.
func (s *Service) Verify(tokenString string) (string, uint64, error) {
	_, userID, err := s.Parse(tokenString)
	if err != nil {
		return "", 0, err
	}
	next, err := s.Issue(userID)
	if err != nil {
		return "", 0, err
	}
	return next, userID, nil
}
