package wsframe_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spice-gm/spice-server-go/wsframe"
)

func serverHandshake(t *testing.T, side net.Conn) *wsframe.Conn {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := side.Read(buf)
	if err != nil {
		t.Fatalf("reading handshake request: %v", err)
	}
	req := buf[:n]
	if !wsframe.IsHandshakeRequest(req) {
		t.Fatalf("request not recognized as a handshake: %q", req)
	}
	conn, err := wsframe.Accept(side, req)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return conn
}

// dialReal drives a real RFC6455 client (gorilla/websocket) against our
// hand-rolled server framing over an in-memory net.Pipe, per SPEC_FULL.md
// §2's decision to keep gorilla/websocket as a test-only dependency.
func dialReal(t *testing.T) (*websocket.Conn, *wsframe.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	type result struct {
		conn *wsframe.Conn
	}
	done := make(chan result, 1)
	go func() {
		done <- result{conn: serverHandshake(t, serverSide)}
	}()

	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) { return clientSide, nil },
		Subprotocols: []string{"binary"},
	}
	cliConn, _, err := dialer.Dial("ws://fake/", nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}

	select {
	case r := <-done:
		return cliConn, r.conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server handshake")
		return nil, nil
	}
}

func TestHandshakeAndBinaryRoundTrip(t *testing.T) {
	cli, srv := dialReal(t)
	defer cli.Close()
	defer srv.Close()

	payload := []byte("hello from the guest device")
	go func() {
		if err := srv.WriteMessage(payload); err != nil {
			t.Errorf("server WriteMessage: %v", err)
		}
	}()

	msgType, data, err := cli.ReadMessage()
	if err != nil {
		t.Fatalf("client ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected BinaryMessage, got %d", msgType)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("expected %q, got %q", payload, data)
	}
}

func TestClientToServerUnmasking(t *testing.T) {
	cli, srv := dialReal(t)
	defer cli.Close()
	defer srv.Close()

	payload := []byte{0x01, 0x02, 0x03, 0xff, 0x00}
	go func() {
		if err := cli.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			t.Errorf("client WriteMessage: %v", err)
		}
	}()

	got, err := srv.ReadMessage()
	if err != nil {
		t.Fatalf("server ReadMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected unmasked payload %v, got %v", payload, got)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	cli, srv := dialReal(t)
	defer cli.Close()
	defer srv.Close()

	pongCh := make(chan string, 1)
	cli.SetPongHandler(func(appData string) error {
		pongCh <- appData
		return nil
	})
	go func() {
		for {
			if _, _, err := cli.ReadMessage(); err != nil {
				return
			}
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		// ReadMessage answers the ping internally and keeps looping until a
		// real (binary) message shows up. It has to be reading before the
		// client sends: net.Pipe is unbuffered, so the ping write blocks
		// until the server side reads it.
		_, err := srv.ReadMessage()
		readErr <- err
	}()

	if err := cli.WriteControl(websocket.PingMessage, []byte("ping-data"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("client WriteControl(ping): %v", err)
	}
	if err := srv.WriteMessage([]byte("after-ping")); err != nil {
		t.Fatalf("server WriteMessage: %v", err)
	}

	select {
	case appData := <-pongCh:
		if appData != "ping-data" {
			t.Fatalf("expected pong to echo ping data, got %q", appData)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received PONG for its PING")
	}
}

func TestCloseHandshake(t *testing.T) {
	cli, srv := dialReal(t)
	defer cli.Close()

	closeReceived := make(chan struct{})
	cli.SetCloseHandler(func(code int, text string) error {
		close(closeReceived)
		return nil
	})
	go func() {
		for {
			if _, _, err := cli.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := srv.Close(); err != nil {
		t.Fatalf("server Close: %v", err)
	}

	select {
	case <-closeReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed CLOSE frame")
	}

	if _, err := srv.ReadMessage(); err != wsframe.ErrClosed {
		t.Fatalf("expected ErrClosed reading after self-close, got %v", err)
	}
}

func TestComputeAcceptMatchesRFC6455Example(t *testing.T) {
	// The example key/accept pair from RFC6455 §1.3.
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	const want = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got := wsframe.ComputeAccept(key); got != want {
		t.Fatalf("ComputeAccept(%q) = %q, want %q", key, got, want)
	}
}
