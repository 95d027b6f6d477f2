package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/omochice/chat-gateway/internal/logging"
)

var (
	// ErrDirectoryClosed is returned by Register after Close.
	ErrDirectoryClosed = errors.New("session directory closed")
	// ErrUnknownSession is returned for session ids not in the directory.
	ErrUnknownSession = errors.New("unknown session")
	// ErrDeliveryDropped is returned by SendTo when the target refused the payload.
	ErrDeliveryDropped = errors.New("delivery dropped")
)

// Target receives pre-encoded payloads pushed through the directory.
// Deliver must not block; it reports whether the payload was accepted.
type Target interface {
	Deliver(payload []byte) bool
}

// Directory is the registration side of the session directory as seen by
// a connection.
type Directory interface {
	Register(ctx context.Context, t Target) (string, error)
	Deregister(ctx context.Context, sessionID string) error
}

// Hub is the in-process session directory. It maps session ids to
// delivery targets and fans payloads out to them.
type Hub struct {
	targets map[string]Target
	closed  bool
	mu      sync.RWMutex

	delivered *atomic.Int64
	dropped   *atomic.Int64
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		targets:   make(map[string]Target),
		delivered: atomic.NewInt64(0),
		dropped:   atomic.NewInt64(0),
	}
}

// Register adds t and returns its new session id.
func (h *Hub) Register(ctx context.Context, t Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrDirectoryClosed
	}
	id := uuid.NewString()
	h.targets[id] = t
	return id, nil
}

// Deregister removes a session.
func (h *Hub) Deregister(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.targets[sessionID]; !ok {
		return ErrUnknownSession
	}
	delete(h.targets, sessionID)
	return nil
}

// Broadcast delivers payload to every session except the one named by
// except (which may be empty) and returns how many accepted it. Targets
// whose queue is full are skipped.
func (h *Hub) Broadcast(payload []byte, except string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for id, t := range h.targets {
		if id == except {
			continue
		}
		if t.Deliver(payload) {
			n++
			h.delivered.Inc()
		} else {
			h.dropped.Inc()
			logging.Warningf("Session %s queue full, skipping", id)
		}
	}
	return n
}

// SendTo delivers payload to a single session.
func (h *Hub) SendTo(sessionID string, payload []byte) error {
	h.mu.RLock()
	t, ok := h.targets[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if !t.Deliver(payload) {
		h.dropped.Inc()
		return ErrDeliveryDropped
	}
	h.delivered.Inc()
	return nil
}

// ClientCount returns number of registered sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.targets)
}

// Stats returns the number of accepted and dropped deliveries so far.
func (h *Hub) Stats() (delivered, dropped int64) {
	return h.delivered.Load(), h.dropped.Load()
}

// Close stops accepting registrations. Registered sessions stay until they
// deregister.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}
