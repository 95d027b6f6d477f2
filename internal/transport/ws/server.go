package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"go.uber.org/atomic"

	"github.com/omochice/chat-gateway/internal/chat"
	"github.com/omochice/chat-gateway/internal/logging"
)

// Config configures a Server.
type Config struct {
	Address string
	// Path serves the WebSocket endpoint.
	Path string
	// BroadcastPath, when set, serves POST requests whose body is fanned
	// out to every registered session.
	BroadcastPath  string
	MaxMessageSize int
	Conn           chat.Options
}

// Server accepts WebSocket connections and runs a chat.Connection for each.
type Server struct {
	cfg  Config
	hub  *chat.Hub
	auth chat.Authenticator

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	active   *atomic.Int64
}

// New creates a WebSocket server that uses the provided Hub.
func New(cfg Config, hub *chat.Hub, auth chat.Authenticator) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		hub:    hub,
		auth:   auth,
		ctx:    ctx,
		cancel: cancel,
		active: atomic.NewInt64(0),
	}
}

// Handler returns the HTTP handler serving the configured paths.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	if s.cfg.BroadcastPath != "" {
		mux.HandleFunc(s.cfg.BroadcastPath, s.handleBroadcast)
	}
	return mux
}

// Listen opens the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler()}
	return nil
}

// Serve accepts connections until Stop. It returns nil after Stop.
func (s *Server) Serve() error {
	logging.Infof("WebSocket server started on %s%s", s.listener.Addr().String(), s.cfg.Path)
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting connections, closes the open ones and waits for
// them to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.wg.Done()
		logging.Warningf("Failed to accept WebSocket connection from %s: %v", r.RemoteAddr, err)
		return
	}

	conn := NewConn(netConn, rw.Reader, s.cfg.MaxMessageSize)
	c := chat.NewConnection(conn, s.hub, s.auth, s.cfg.Conn)
	s.active.Inc()
	logging.Debugf("Accepted connection from %s", conn.RemoteAddr())

	go func() {
		defer s.wg.Done()
		defer s.active.Dec()
		if err := c.Serve(s.ctx); err != nil {
			logging.Warningf("Connection %s ended: %v", conn.RemoteAddr(), err)
		}
	}()
}

type broadcastResult struct {
	Delivered int `json:"delivered"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxMessageSize)))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return
	}
	n := s.hub.Broadcast(body, "")
	logging.Debugf("Broadcast %d bytes to %d sessions", len(body), n)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(broadcastResult{Delivered: n})
}
