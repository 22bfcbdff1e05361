package relay

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// bridgeConn is one relayed connection: a WebSocket stream on one side, a
// dedicated UDP socket to the TS3 target on the other. Lifetime of the UDP
// socket equals lifetime of the WebSocket stream (spec §6 "Per-connection
// resources").
type bridgeConn struct {
	id         uint64
	ws         *websocket.Conn
	udp        *net.UDPConn
	targetHost string
	targetPort int
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
}

func (s *Server) newBridgeConn(ws *websocket.Conn, udp *net.UDPConn, host string, port int) *bridgeConn {
	ctx, cancel := context.WithCancel(s.ctx)
	return &bridgeConn{
		id:         s.nextClientID(),
		ws:         ws,
		udp:        udp,
		targetHost: host,
		targetPort: port,
		logger:     s.logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Server) nextClientID() uint64 {
	return s.idCounter.Add(1)
}

// run drives both halves of the bridge until either side ends, then tears
// down the other.
func (bc *bridgeConn) run() {
	bc.ws.SetPingHandler(func(data string) error {
		return bc.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{}, 2)
	go func() { bc.wsToUDP(); done <- struct{}{} }()
	go func() { bc.udpToWS(); done <- struct{}{} }()

	select {
	case <-done:
	case <-bc.ctx.Done():
	}
	bc.close()
	<-done // wait for the other half to observe the close and exit
}

// wsToUDP reads binary WebSocket messages and forwards each as one UDP
// datagram (spec §6 "Stream framing": one complete binary message per
// datagram; text messages ignored). A UDP send error is logged and the loop
// continues; only the WebSocket side ending the stream tears the bridge down
// (spec §4.2 Failure semantics).
func (bc *bridgeConn) wsToUDP() {
	for {
		msgType, data, err := bc.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if _, err := bc.udp.Write(data); err != nil {
			bc.logger.Warn("udp send failed", "bridge_id", bc.id, "err", err)
			continue
		}
		bc.datagramsOut.Add(1)
	}
}

// udpToWS reads UDP datagrams from the target and forwards each as one
// binary WebSocket message.
func (bc *bridgeConn) udpToWS() {
	buf := make([]byte, 65535)
	for {
		_ = bc.udp.SetReadDeadline(time.Now().Add(60 * time.Second))
		n, err := bc.udp.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-bc.ctx.Done():
					return
				default:
					continue
				}
			}
			return
		}
		if err := bc.ws.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
			return
		}
		bc.datagramsIn.Add(1)
	}
}

func (bc *bridgeConn) close() {
	bc.cancel()
	_ = bc.ws.Close()
	_ = bc.udp.Close()
}
