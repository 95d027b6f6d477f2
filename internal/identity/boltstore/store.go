// Package boltstore implements identity.Store on top of a bbolt file.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/omochice/chat-gateway/internal/identity"
)

var (
	bucketUsers     = []byte("users")
	bucketUsernames = []byte("usernames")
	bucketSessions  = []byte("sessions")
)

type userRecord struct {
	ID           uint64    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Karma        int32     `json:"karma"`
	Streak       int32     `json:"streak"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r userRecord) user() identity.User {
	return identity.User{ID: r.ID, Username: r.Username, Karma: r.Karma, Streak: r.Streak}
}

type sessionRecord struct {
	UserID    uint64    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is a bbolt backed identity.Store.
type Store struct {
	db     *bolt.DB
	hasher *identity.Hasher
	ttl    time.Duration
	now    func() time.Time
}

// Open opens (or creates) the database at path.
func Open(path string, hasher *identity.Hasher, sessionTTL time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	s, err := New(db, hasher, sessionTTL)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and creates the buckets it needs.
func New(db *bolt.DB, hasher *identity.Hasher, sessionTTL time.Duration) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUsernames, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}
	return &Store{db: db, hasher: hasher, ttl: sessionTTL, now: time.Now}, nil
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func getUser(tx *bolt.Tx, id uint64) (userRecord, error) {
	var rec userRecord
	data := tx.Bucket(bucketUsers).Get(idKey(id))
	if data == nil {
		return rec, identity.ErrUserNotFound
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("boltstore: decode user %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) FindUser(ctx context.Context, username, password string) (identity.User, error) {
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	var rec userRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return identity.ErrUserNotFound
		}
		var err error
		rec, err = getUser(tx, binary.BigEndian.Uint64(id))
		return err
	})
	if err == identity.ErrUserNotFound {
		s.hasher.CheckMissing(password)
		return identity.User{}, err
	}
	if err != nil {
		return identity.User{}, err
	}
	if !s.hasher.Check(rec.PasswordHash, password) {
		return identity.User{}, identity.ErrUserNotFound
	}
	return rec.user(), nil
}

func (s *Store) FindUserByID(ctx context.Context, id uint64) (identity.User, error) {
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	var rec userRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getUser(tx, id)
		return err
	})
	if err != nil {
		return identity.User{}, err
	}
	return rec.user(), nil
}

func (s *Store) CreateUser(ctx context.Context, username, password string) (identity.User, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return identity.User{}, fmt.Errorf("boltstore: hash password: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	rec := userRecord{Username: username, PasswordHash: hash, CreatedAt: s.now().UTC()}
	err = s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(username)) != nil {
			return identity.ErrUserExists
		}
		users := tx.Bucket(bucketUsers)
		id, err := users.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := users.Put(idKey(id), data); err != nil {
			return err
		}
		return names.Put([]byte(username), idKey(id))
	})
	if err != nil {
		return identity.User{}, err
	}
	return rec.user(), nil
}

func (s *Store) putSession(tx *bolt.Tx, tokenID string, userID uint64) (identity.Session, error) {
	now := s.now().UTC()
	rec := sessionRecord{UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return identity.Session{}, err
	}
	if err := tx.Bucket(bucketSessions).Put([]byte(tokenID), data); err != nil {
		return identity.Session{}, err
	}
	return identity.Session{TokenID: tokenID, UserID: userID, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *Store) CreateSession(ctx context.Context, tokenID string, userID uint64) (identity.Session, error) {
	if err := ctx.Err(); err != nil {
		return identity.Session{}, err
	}
	var sess identity.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getUser(tx, userID); err != nil {
			return err
		}
		var err error
		sess, err = s.putSession(tx, tokenID, userID)
		return err
	})
	return sess, err
}

func (s *Store) UpdateSession(ctx context.Context, oldTokenID, newTokenID string) (identity.Session, error) {
	if err := ctx.Err(); err != nil {
		return identity.Session{}, err
	}
	var sess identity.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		data := sessions.Get([]byte(oldTokenID))
		if data == nil {
			return identity.ErrSessionNotFound
		}
		var rec sessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("boltstore: decode session: %w", err)
		}
		if !s.now().Before(rec.ExpiresAt) {
			return errExpired
		}
		if err := sessions.Delete([]byte(oldTokenID)); err != nil {
			return err
		}
		var err error
		sess, err = s.putSession(tx, newTokenID, rec.UserID)
		return err
	})
	if err == errExpired {
		// The rotation was rolled back; drop the expired record in a
		// separate transaction.
		_ = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketSessions).Delete([]byte(oldTokenID))
		})
		return identity.Session{}, identity.ErrSessionNotFound
	}
	return sess, err
}

var errExpired = errors.New("boltstore: session expired")

func (s *Store) DeleteSession(ctx context.Context, tokenID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(tokenID))
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
