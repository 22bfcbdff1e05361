package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// datagramTransport is the contract the handshake and session layers are
// driven over: "send a whole datagram" / "receive the next one". Both the
// direct-UDP and relay transports satisfy it identically, so reliability,
// retransmission, and ordering stay entirely above this layer.
type datagramTransport interface {
	Send(ctx context.Context, raw []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// udpTransport talks directly to the TS3 server.
type udpTransport struct {
	conn net.Conn
}

func dialUDP(ctx context.Context, host string, port uint16) (*udpTransport, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, newError(ErrTransport, "dial udp", err)
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) Send(ctx context.Context, raw []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.Write(raw)
	if err != nil {
		return newError(ErrTransport, "udp write", err)
	}
	return nil
}

func (t *udpTransport) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 65535)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, newError(ErrTransport, "udp read", err)
	}
	return buf[:n], nil
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}

// relayTransport carries TS3 datagrams over the UDP relay's WebSocket
// upgrade, one binary message per datagram (spec §4.2).
type relayTransport struct {
	conn *websocket.Conn
}

func dialRelay(ctx context.Context, relayURL, token, targetHost string, targetPort uint16) (*relayTransport, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, newError(ErrTransport, "parse relay url", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("host", targetHost)
	q.Set("port", fmt.Sprintf("%d", targetPort))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, newError(ErrTransport, "dial relay", err)
	}
	return &relayTransport{conn: conn}, nil
}

func (t *relayTransport) Send(ctx context.Context, raw []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return newError(ErrTransport, "relay write", err)
	}
	return nil
}

func (t *relayTransport) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, newError(ErrTransport, "relay read", err)
		}
		if msgType != websocket.BinaryMessage {
			continue // text messages carry nothing meaningful on this stream
		}
		return data, nil
	}
}

func (t *relayTransport) Close() error {
	return t.conn.Close()
}
