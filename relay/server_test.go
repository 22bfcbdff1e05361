package relay

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// udpEchoServer binds an ephemeral UDP port and echoes every datagram it
// receives back to the sender, so the relay's forwarding in both directions
// can be exercised without a real TS3 server.
type udpEchoServer struct {
	conn *net.UDPConn
	port int
}

func startUDPEcho(t *testing.T) *udpEchoServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	e := &udpEchoServer{conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port}
	go func() {
		buf := make([]byte, 70000)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return e
}

func (e *udpEchoServer) close() { _ = e.conn.Close() }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Config{Secret: "s3cr3t"}, nil)
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func wsURL(httpSrv *httptest.Server, token string, echoPort int) string {
	u, _ := url.Parse(httpSrv.URL)
	u.Scheme = "ws"
	q := u.Query()
	q.Set("token", token)
	q.Set("host", "127.0.0.1")
	q.Set("port", fmt.Sprintf("%d", echoPort))
	u.RawQuery = q.Encode()
	return u.String()
}

// TestRelayFramingRoundTrip covers property #8: each inbound binary message,
// regardless of size, maps to exactly one UDP datagram, and the reply comes
// back as exactly one binary message of the same bytes.
func TestRelayFramingRoundTrip(t *testing.T) {
	echo := startUDPEcho(t)
	defer echo.close()

	_, httpSrv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv, "s3cr3t", echo.port), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	for _, size := range []int{0, 125, 126, 65535, 65536} {
		msg := make([]byte, size)
		for i := range msg {
			msg[i] = byte(i)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			t.Fatalf("write size %d: %v", size, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read echo of size %d: %v", size, err)
		}
		if msgType != websocket.BinaryMessage {
			t.Fatalf("size %d: got message type %d, want binary", size, msgType)
		}
		if len(got) != size {
			t.Fatalf("size %d: echoed %d bytes", size, len(got))
		}
		for i := range got {
			if got[i] != msg[i] {
				t.Fatalf("size %d: byte %d mismatch", size, i)
			}
		}
	}
}

// TestRelayFramingFragmentedMessage covers the fragmented-message half of
// property #8. gorilla/websocket's Reader transparently reassembles a
// continuation-frame sequence into one message before ReadMessage returns
// it, so the bridge needs no reassembly logic of its own — this asserts
// that guarantee holds through the relay end to end.
func TestRelayFramingFragmentedMessage(t *testing.T) {
	echo := startUDPEcho(t)
	defer echo.close()

	_, httpSrv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv, "s3cr3t", echo.port), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		t.Fatalf("next writer: %v", err)
	}
	part1 := []byte("first-half-")
	part2 := []byte("second-half")
	if _, err := w.Write(part1); err != nil {
		t.Fatalf("write part1: %v", err)
	}
	if _, err := w.Write(part2); err != nil {
		t.Fatalf("write part2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	want := string(part1) + string(part2)
	if string(got) != want {
		t.Fatalf("echoed %q, want %q", got, want)
	}
}

// TestRelayAuthRejectsBadToken covers property #9: a missing or incorrect
// token yields 401 and no UDP socket is allocated (active connection count
// never moves off zero).
func TestRelayAuthRejectsBadToken(t *testing.T) {
	srv, httpSrv := newTestServer(t)

	for _, tokenParam := range []string{"?token=wrong&host=127.0.0.1", "?host=127.0.0.1"} {
		resp, err := http.Get(httpSrv.URL + "/" + tokenParam)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401 for query %q", resp.StatusCode, tokenParam)
		}
	}

	if n := srv.activeConnections.Load(); n != 0 {
		t.Fatalf("active connections = %d, want 0 after rejected upgrades", n)
	}
}

// TestRelayAuthRejectsMissingHost covers the companion 400 case.
func TestRelayAuthRejectsMissingHost(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/?token=s3cr3t")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
