// Package relay implements the UDP-to-WebSocket relay: a WebSocket upgrade
// endpoint that bridges a browser-reachable binary message stream to a
// per-connection UDP socket aimed at a TS3 server, so a client that cannot
// open raw UDP can still speak the protocol end to end.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// defaultTargetPort is used when the upgrade request omits ?port.
const defaultTargetPort = 9987

// Config carries the relay's listen address and shared-secret token.
type Config struct {
	ListenAddr string
	Secret     string
	MaxClients int // 0 means unlimited
}

// Server is the relay's connection manager: it owns the HTTP listener, the
// upgrade handler, and the table of active bridged connections.
type Server struct {
	cfg    Config
	logger *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	clientsMu sync.Mutex
	clients   map[uint64]*bridgeConn
	idCounter atomic.Uint64

	totalConnections  atomic.Uint64
	activeConnections atomic.Int64

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. Call ListenAndServe to start accepting connections.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[uint64]*bridgeConn),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("relay listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the relay down: closes every bridged connection's
// UDP socket and WebSocket stream, then the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("relay stopping")
	s.cancel()

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clientsMu.Unlock()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown error", "err", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("relay stopped")
	return nil
}

// handleUpgrade validates the upgrade request's token/host/port query
// parameters, dials the target UDP socket, and starts the bidirectional
// bridge (spec §6 "Upgrade request").
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxClients > 0 && int(s.activeConnections.Load()) >= s.cfg.MaxClients {
		http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	if q.Get("token") != s.cfg.Secret {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	host := q.Get("host")
	if host == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}
	port := defaultTargetPort
	if p := q.Get("port"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil || v <= 0 || v > 65535 {
			http.Error(w, "invalid port", http.StatusBadRequest)
			return
		}
		port = v
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		http.Error(w, "cannot resolve target", http.StatusBadRequest)
		return
	}
	udpConn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		http.Error(w, "cannot reach target", http.StatusBadGateway)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		udpConn.Close()
		return
	}

	bc := s.newBridgeConn(wsConn, udpConn, host, port)

	s.totalConnections.Add(1)
	s.activeConnections.Add(1)
	s.logger.Info("relay connection established",
		"remote", r.RemoteAddr, "target", fmt.Sprintf("%s:%d", host, port),
		"total", s.totalConnections.Load(), "active", s.activeConnections.Load())

	s.wg.Add(1)
	go s.runBridge(bc)
}

func (s *Server) runBridge(bc *bridgeConn) {
	defer s.wg.Done()
	defer s.activeConnections.Add(-1)
	defer s.unregister(bc)
	defer bc.close()

	s.register(bc)
	bc.run()
}

func (s *Server) register(bc *bridgeConn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[bc.id] = bc
}

func (s *Server) unregister(bc *bridgeConn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, bc.id)
}
