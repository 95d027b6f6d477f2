package chat_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/chat-gateway/internal/chat"
	"github.com/omochice/chat-gateway/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan chat.Frame
	readErr    error
	writtenCh  chan chat.Frame
	writeErr   error
	remoteAddr string

	closeOnce   sync.Once
	closed      chan struct{}
	closeMu     sync.Mutex
	closeCode   chat.CloseCode
	closeReason string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan chat.Frame, 10),
		writtenCh:  make(chan chat.Frame, 100),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) (chat.Frame, error) {
	if m.readErr != nil {
		return chat.Frame{}, m.readErr
	}
	select {
	case <-ctx.Done():
		return chat.Frame{}, ctx.Err()
	case <-m.closed:
		return chat.Frame{}, io.EOF
	case f, ok := <-m.readCh:
		if !ok {
			return chat.Frame{}, io.EOF
		}
		return f, nil
	}
}

func (m *mockConn) Write(ctx context.Context, f chat.Frame) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(f.Data))
	copy(copied, f.Data)
	m.writtenCh <- chat.Frame{Kind: f.Kind, Data: copied}
	return nil
}

func (m *mockConn) Close(code chat.CloseCode, reason string) error {
	m.closeOnce.Do(func() {
		m.closeMu.Lock()
		m.closeCode = code
		m.closeReason = reason
		m.closeMu.Unlock()
		close(m.closed)
	})
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) send(kind chat.FrameKind, data []byte) {
	m.readCh <- chat.Frame{Kind: kind, Data: data}
}

func (m *mockConn) sendRequest(t *testing.T, req protocol.Request) {
	t.Helper()
	data, err := protocol.EncodeRequest(&req)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	m.send(chat.FrameBinary, data)
}

// next waits for the next written frame.
func (m *mockConn) next(t *testing.T) chat.Frame {
	t.Helper()
	select {
	case f := <-m.writtenCh:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a written frame")
		return chat.Frame{}
	}
}

// nextResponse waits for the next written frame and decodes it.
func (m *mockConn) nextResponse(t *testing.T) protocol.Response {
	t.Helper()
	f := m.next(t)
	if f.Kind != chat.FrameBinary {
		t.Fatalf("frame kind = %v, want BINARY", f.Kind)
	}
	resp, err := protocol.DecodeResponse(f.Data)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	return resp
}

// expectQuiet fails if anything is written within d.
func (m *mockConn) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-m.writtenCh:
		t.Fatalf("unexpected frame written: %v %q", f.Kind, f.Data)
	case <-time.After(d):
	}
}

func (m *mockConn) status() (chat.CloseCode, string) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	return m.closeCode, m.closeReason
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

func TestFrameKind_String(t *testing.T) {
	tests := []struct {
		kind chat.FrameKind
		want string
	}{
		{chat.FrameBinary, "BINARY"},
		{chat.FrameText, "TEXT"},
		{chat.FrameClose, "CLOSE"},
		{chat.FrameKind(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("FrameKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
