package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := New(Config{Secret: testSecret, Issuer: "test", TTL: time.Hour})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short secret", Config{Secret: []byte("short"), TTL: time.Hour}},
		{"zero ttl", Config{Secret: testSecret}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestIssueAndVerify(t *testing.T) {
	s := newTestService(t)

	tok, err := s.Issue(42)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	next, userID, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != 42 {
		t.Errorf("userID = %d, want 42", userID)
	}
	if next == tok {
		t.Error("Verify returned the same token")
	}
	if _, userID, err := s.Verify(next); err != nil || userID != 42 {
		t.Errorf("rotated token: userID=%d err=%v", userID, err)
	}
}

func TestIssueUnique(t *testing.T) {
	s := newTestService(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := s.Issue(1)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token after %d issues", i)
		}
		seen[tok] = true
	}
}

func TestVerifyRejects(t *testing.T) {
	s := newTestService(t)
	good, _ := s.Issue(7)

	other, err := New(Config{Secret: []byte("ffffffffffffffffffffffffffffffff"), Issuer: "test", TTL: time.Hour})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	foreign, _ := other.Issue(7)

	wrongIssuer, _ := New(Config{Secret: testSecret, Issuer: "someone-else", TTL: time.Hour})
	misissued, _ := wrongIssuer.Issue(7)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"truncated", good[:len(good)-4]},
		{"tampered", strings.Replace(good, ".", ".x", 1)},
		{"foreign key", foreign},
		{"wrong issuer", misissued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	s := newTestService(t)
	tok, _ := s.Issue(7)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, _, err := s.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify error = %v, want ErrInvalidToken", err)
	}
}
