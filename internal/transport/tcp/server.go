package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/omochice/chat-gateway/internal/chat"
	"github.com/omochice/chat-gateway/internal/logging"
)

// Server accepts framed TCP connections and shares the Hub with the other
// transports.
type Server struct {
	address  string
	listener net.Listener
	hub      *chat.Hub
	auth     chat.Authenticator
	maxSize  int
	opts     chat.Options

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a TCP server that uses the provided Hub.
func New(address string, maxSize int, opts chat.Options, hub *chat.Hub, auth chat.Authenticator) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		hub:     hub,
		auth:    auth,
		maxSize: maxSize,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Listen opens the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until Stop.
func (s *Server) Serve() error {
	logging.Infof("TCP server started on %s", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Warningf("Failed to accept TCP connection: %v", err)
			continue
		}

		c := chat.NewConnection(NewConn(conn, s.maxSize), s.hub, s.auth, s.opts)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := c.Serve(s.ctx); err != nil {
				logging.Warningf("Connection %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops the TCP server and waits for its connections to end.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.cancel()
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
