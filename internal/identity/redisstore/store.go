// Package redisstore implements identity.Store on Redis.
//
// Keys used, under a configurable prefix:
//
//	<prefix>:user_seq           INCR counter for user ids
//	<prefix>:username:<name>    user id for a username
//	<prefix>:user:<id>          hash with the user record
//	<prefix>:session:<token>    user id, expiring after the session TTL
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omochice/chat-gateway/internal/identity"
)

const createUserScript = `
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], "id", ARGV[1], "username", ARGV[2], "password_hash", ARGV[3], "karma", "0", "streak", "0", "created_at", ARGV[4])
return 1
`

var createUserLua = redis.NewScript(createUserScript)

// Moves a session to a new key keeping its user id. Returns nil when the
// old key does not exist or has expired.
const rotateSessionScript = `
local uid = redis.call("GET", KEYS[1])
if not uid then
  return false
end
redis.call("DEL", KEYS[1])
redis.call("SET", KEYS[2], uid, "PX", ARGV[1])
return uid
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

// Store is a Redis backed identity.Store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	hasher *identity.Hasher
	ttl    time.Duration
}

// New returns a Store using rdb. The store owns the client and closes it on Close.
func New(rdb redis.UniversalClient, prefix string, hasher *identity.Hasher, sessionTTL time.Duration) *Store {
	return &Store{redis: rdb, prefix: prefix, hasher: hasher, ttl: sessionTTL}
}

func (s *Store) seqKey() string                 { return s.prefix + ":user_seq" }
func (s *Store) usernameKey(name string) string { return s.prefix + ":username:" + name }
func (s *Store) userKey(id uint64) string       { return s.prefix + ":user:" + strconv.FormatUint(id, 10) }
func (s *Store) sessionKey(token string) string { return s.prefix + ":session:" + token }

type userRecord struct {
	identity.User
	PasswordHash string
}

func (s *Store) loadUser(ctx context.Context, id uint64) (userRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return userRecord{}, fmt.Errorf("redisstore: load user %d: %w", id, err)
	}
	if len(fields) == 0 {
		return userRecord{}, identity.ErrUserNotFound
	}
	karma, err := strconv.ParseInt(fields["karma"], 10, 32)
	if err != nil {
		return userRecord{}, fmt.Errorf("redisstore: user %d karma: %w", id, err)
	}
	streak, err := strconv.ParseInt(fields["streak"], 10, 32)
	if err != nil {
		return userRecord{}, fmt.Errorf("redisstore: user %d streak: %w", id, err)
	}
	return userRecord{
		User: identity.User{
			ID:       id,
			Username: fields["username"],
			Karma:    int32(karma),
			Streak:   int32(streak),
		},
		PasswordHash: fields["password_hash"],
	}, nil
}

func (s *Store) FindUser(ctx context.Context, username, password string) (identity.User, error) {
	raw, err := s.redis.Get(ctx, s.usernameKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		s.hasher.CheckMissing(password)
		return identity.User{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("redisstore: find user: %w", err)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return identity.User{}, fmt.Errorf("redisstore: username index %q: %w", username, err)
	}
	rec, err := s.loadUser(ctx, id)
	if err != nil {
		return identity.User{}, err
	}
	if !s.hasher.Check(rec.PasswordHash, password) {
		return identity.User{}, identity.ErrUserNotFound
	}
	return rec.User, nil
}

func (s *Store) FindUserByID(ctx context.Context, id uint64) (identity.User, error) {
	rec, err := s.loadUser(ctx, id)
	if err != nil {
		return identity.User{}, err
	}
	return rec.User, nil
}

func (s *Store) CreateUser(ctx context.Context, username, password string) (identity.User, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return identity.User{}, fmt.Errorf("redisstore: hash password: %w", err)
	}
	id, err := s.redis.Incr(ctx, s.seqKey()).Uint64()
	if err != nil {
		return identity.User{}, fmt.Errorf("redisstore: allocate id: %w", err)
	}
	created, err := createUserLua.Run(ctx, s.redis,
		[]string{s.usernameKey(username), s.userKey(id)},
		id, username, hash, time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return identity.User{}, fmt.Errorf("redisstore: create user: %w", err)
	}
	if created == 0 {
		return identity.User{}, identity.ErrUserExists
	}
	return identity.User{ID: id, Username: username}, nil
}

func (s *Store) CreateSession(ctx context.Context, tokenID string, userID uint64) (identity.Session, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return identity.Session{}, err
	}
	now := time.Now().UTC()
	if err := s.redis.Set(ctx, s.sessionKey(tokenID), userID, s.ttl).Err(); err != nil {
		return identity.Session{}, fmt.Errorf("redisstore: create session: %w", err)
	}
	return identity.Session{TokenID: tokenID, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}, nil
}

func (s *Store) UpdateSession(ctx context.Context, oldTokenID, newTokenID string) (identity.Session, error) {
	now := time.Now().UTC()
	raw, err := rotateSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(oldTokenID), s.sessionKey(newTokenID)},
		s.ttl.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return identity.Session{}, identity.ErrSessionNotFound
	}
	if err != nil {
		return identity.Session{}, fmt.Errorf("redisstore: rotate session: %w", err)
	}
	userID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return identity.Session{}, fmt.Errorf("redisstore: session user id %q: %w", raw, err)
	}
	return identity.Session{TokenID: newTokenID, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}, nil
}

func (s *Store) DeleteSession(ctx context.Context, tokenID string) error {
	if err := s.redis.Del(ctx, s.sessionKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete session: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.redis.Close()
}
