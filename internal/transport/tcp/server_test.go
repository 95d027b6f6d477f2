package tcp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/omochice/chat-gateway/internal/chat"
	"github.com/omochice/chat-gateway/internal/transport/tcp"
	"github.com/omochice/chat-gateway/pkg/protocol"
)

type stubAuth struct{}

func (stubAuth) LoginCredentials(ctx context.Context, b *protocol.Builder, c protocol.Credentials) (string, error) {
	return "tok", b.SetLoginSuccess("tok", protocol.User{ID: 1, Username: c.Username})
}

func (stubAuth) LoginToken(ctx context.Context, b *protocol.Builder, token string) (string, error) {
	return "tok", b.SetLoginSuccess("tok", protocol.User{ID: 1})
}

func (stubAuth) Register(ctx context.Context, b *protocol.Builder, c protocol.Credentials) (string, error) {
	return "tok", b.SetLoginSuccess("tok", protocol.User{ID: 1, Username: c.Username})
}

func (stubAuth) Logout(ctx context.Context, token string) error { return nil }

func TestServer_StartStop(t *testing.T) {
	hub := chat.NewHub()
	srv := tcp.New("127.0.0.1:0", 1024, chat.Options{}, hub, stubAuth{})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	if srv.Addr() == "" {
		t.Fatal("Server address is empty")
	}

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	req, _ := protocol.EncodeRequest(&protocol.Request{
		Kind:         protocol.RequestRegistration,
		Registration: protocol.Credentials{Username: "alice", Password: "pw"},
	})
	if err := tcp.WriteFrame(conn, tcp.KindBinary, req); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	kind, payload, err := tcp.ReadFrame(conn, 1024)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	resp, err := protocol.DecodeResponse(payload)
	if kind != tcp.KindBinary || err != nil || resp.Login.User.Username != "alice" {
		t.Fatalf("response = %d %+v (%v)", kind, resp, err)
	}
	waitForClients(t, hub, 1)

	srv.Stop()
	if err := <-served; err != nil {
		t.Errorf("Serve() error = %v", err)
	}

	kind, payload, err = tcp.ReadFrame(conn, 1024)
	if err != nil {
		t.Fatalf("ReadFrame() after Stop error = %v", err)
	}
	if code, _ := tcp.ParseClosePayload(payload); kind != tcp.KindClose || code != chat.CloseGoingAway {
		t.Errorf("close frame = %d code %d, want going away", kind, code)
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() after Stop = %d, want 0", got)
	}
}

func waitForClients(t *testing.T, hub *chat.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
