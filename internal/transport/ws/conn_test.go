package ws_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/omochice/chat-gateway/internal/chat"
	wstransport "github.com/omochice/chat-gateway/internal/transport/ws"
)

func pipe(t *testing.T, maxSize int) (*wstransport.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return wstransport.NewConn(server, nil, maxSize), client
}

func TestConn_Read(t *testing.T) {
	tests := []struct {
		name    string
		frames  []ws.Frame
		want    chat.Frame
		wantErr error
	}{
		{
			name:   "masked binary",
			frames: []ws.Frame{ws.MaskFrame(ws.NewBinaryFrame([]byte{1, 2, 3}))},
			want:   chat.Frame{Kind: chat.FrameBinary, Data: []byte{1, 2, 3}},
		},
		{
			name:   "masked text",
			frames: []ws.Frame{ws.MaskFrame(ws.NewTextFrame([]byte("hi")))},
			want:   chat.Frame{Kind: chat.FrameText, Data: []byte("hi")},
		},
		{
			name: "fragments",
			frames: []ws.Frame{
				ws.MaskFrame(ws.NewFrame(ws.OpBinary, false, []byte("ab"))),
				ws.MaskFrame(ws.NewFrame(ws.OpContinuation, true, []byte("cd"))),
			},
			want: chat.Frame{Kind: chat.FrameBinary, Data: []byte("abcd")},
		},
		{
			name:   "close",
			frames: []ws.Frame{ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))},
			want:   chat.Frame{Kind: chat.FrameClose},
		},
		{
			name:    "unmasked",
			frames:  []ws.Frame{ws.NewBinaryFrame([]byte{1})},
			wantErr: chat.ErrProtocolViolation,
		},
		{
			name:    "stray continuation",
			frames:  []ws.Frame{ws.MaskFrame(ws.NewFrame(ws.OpContinuation, true, []byte("x")))},
			wantErr: chat.ErrProtocolViolation,
		},
		{
			name:    "invalid utf8 text",
			frames:  []ws.Frame{ws.MaskFrame(ws.NewTextFrame([]byte{0xff}))},
			wantErr: chat.ErrProtocolViolation,
		},
		{
			name:    "reserved bits",
			frames:  []ws.Frame{ws.MaskFrame(ws.Frame{Header: ws.Header{Fin: true, Rsv: 4, OpCode: ws.OpBinary, Length: 1}, Payload: []byte{1}})},
			wantErr: chat.ErrProtocolViolation,
		},
		{
			name: "new message inside fragments",
			frames: []ws.Frame{
				ws.MaskFrame(ws.NewFrame(ws.OpBinary, false, []byte("ab"))),
				ws.MaskFrame(ws.NewBinaryFrame([]byte("cd"))),
			},
			wantErr: chat.ErrProtocolViolation,
		},
		{
			name: "invalid utf8 across fragments",
			frames: []ws.Frame{
				ws.MaskFrame(ws.NewFrame(ws.OpText, false, []byte("ok"))),
				ws.MaskFrame(ws.NewFrame(ws.OpContinuation, true, []byte{0xff})),
			},
			wantErr: chat.ErrProtocolViolation,
		},
		{
			name: "too big across fragments",
			frames: []ws.Frame{
				ws.MaskFrame(ws.NewFrame(ws.OpBinary, false, make([]byte, 40))),
				ws.MaskFrame(ws.NewFrame(ws.OpContinuation, true, make([]byte, 40))),
			},
			wantErr: chat.ErrMessageTooBig,
		},
		{
			name:    "too big",
			frames:  []ws.Frame{ws.MaskFrame(ws.NewBinaryFrame(make([]byte, 65)))},
			wantErr: chat.ErrMessageTooBig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, client := pipe(t, 64)
			go func() {
				for _, f := range tt.frames {
					if err := ws.WriteFrame(client, f); err != nil {
						return
					}
				}
			}()

			got, err := conn.Read(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Read() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if got.Kind != tt.want.Kind {
				t.Errorf("Read() kind = %v, want %v", got.Kind, tt.want.Kind)
			}
			if tt.want.Kind != chat.FrameClose && string(got.Data) != string(tt.want.Data) {
				t.Errorf("Read() data = %q, want %q", got.Data, tt.want.Data)
			}
		})
	}
}

func TestConn_ReadAnswersPingBetweenFragments(t *testing.T) {
	conn, client := pipe(t, 64)

	pongs := make(chan ws.Frame, 1)
	go func() {
		ws.WriteFrame(client, ws.MaskFrame(ws.NewFrame(ws.OpText, false, []byte("he"))))
		ws.WriteFrame(client, ws.MaskFrame(ws.NewPingFrame([]byte("p1"))))
		ws.WriteFrame(client, ws.MaskFrame(ws.NewFrame(ws.OpContinuation, true, []byte("llo"))))
	}()
	go func() {
		if f, err := ws.ReadFrame(client); err == nil {
			pongs <- f
		}
	}()

	got, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Kind != chat.FrameText || string(got.Data) != "hello" {
		t.Errorf("Read() = %v %q, want text %q", got.Kind, got.Data, "hello")
	}

	select {
	case f := <-pongs:
		if f.Header.OpCode != ws.OpPong || string(f.Payload) != "p1" {
			t.Errorf("reply = %v %q, want pong %q", f.Header.OpCode, f.Payload, "p1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestConn_ReadClose(t *testing.T) {
	conn, client := pipe(t, 64)
	go ws.WriteFrame(client, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "bye"))))

	got, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	code, reason := ws.ParseCloseFrameData(got.Data)
	if got.Kind != chat.FrameClose || code != ws.StatusGoingAway || reason != "bye" {
		t.Errorf("Read() = %v (%d, %q), want close (1001, \"bye\")", got.Kind, code, reason)
	}
}

func TestConn_WriteAndClose(t *testing.T) {
	conn, client := pipe(t, 64)

	go conn.Write(context.Background(), chat.Frame{Kind: chat.FrameBinary, Data: []byte("out")})
	f, err := ws.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Header.OpCode != ws.OpBinary || f.Header.Masked || string(f.Payload) != "out" {
		t.Errorf("frame = %+v %q", f.Header, f.Payload)
	}

	go conn.Close(chat.CloseProtocolError, "bad")
	f, err = ws.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Header.OpCode != ws.OpClose {
		t.Fatalf("opcode = %v, want close", f.Header.OpCode)
	}
	code, reason := ws.ParseCloseFrameData(f.Payload)
	if code != ws.StatusProtocolError || reason != "bad" {
		t.Errorf("close = (%d, %q), want (1002, \"bad\")", code, reason)
	}
}

func TestConn_RemoteAddr(t *testing.T) {
	conn, _ := pipe(t, 64)
	if conn.RemoteAddr() == "" {
		t.Error("RemoteAddr() returned empty string")
	}
}
