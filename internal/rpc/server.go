package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// DefaultHandshakeTimeout bounds the hello exchange on a new connection.
const DefaultHandshakeTimeout = 10 * time.Second

// Signer proves the node's identity during the handshake.
type Signer interface {
	PublicKeyHex() string
	Sign(msg []byte) ([]byte, error)
}

// Registry receives sessions as they connect and disconnect.
type Registry interface {
	Add(domain.Session)
	Remove(domain.Session)
}

// ServerConfig tunes the websocket endpoint.
type ServerConfig struct {
	Session          SessionConfig
	HandshakeTimeout time.Duration
}

// Server accepts peer connections on an HTTP route, runs the hello handshake
// and hands each session to the registry for its lifetime.
type Server struct {
	mux      *Mux
	registry Registry
	signer   Signer
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a Server dispatching inbound requests through mux.
func NewServer(mux *Mux, registry Registry, signer Signer, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{
		mux:      mux,
		registry: registry,
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "rpc_server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; identity is established by the handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// HandleWS upgrades the request and serves the peer until it disconnects.
// GET /rpc
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("rpc: upgrade failed", slog.String("error", err.Error()))
		return
	}

	peerKey, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("rpc: handshake failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "handshake failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	sess := newSession(conn, peerKey, s.mux, s.cfg.Session, s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.registry.Add(sess)
	sess.start(func(ss *Session) {
		s.registry.Remove(ss)
		s.mu.Lock()
		delete(s.sessions, ss)
		s.mu.Unlock()
		s.wg.Done()
	})
}

// handshake reads the client's hello and answers with a signature over its
// nonce.
func (s *Server) handshake(conn *websocket.Conn) (string, error) {
	conn.SetReadLimit(DefaultMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return "", fmt.Errorf("rpc: read hello: %w", errors.Join(domain.ErrHandshake, err))
	}
	if hello.Type != TypeHello || hello.Nonce == "" || hello.PeerKey == "" {
		return "", fmt.Errorf("rpc: malformed hello: %w", domain.ErrHandshake)
	}

	sig, err := s.signer.Sign([]byte(hello.Nonce))
	if err != nil {
		return "", err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	reply := Frame{Type: TypeHello, PeerKey: s.signer.PublicKeyHex(), Signature: hex.EncodeToString(sig)}
	if err := conn.WriteJSON(reply); err != nil {
		return "", fmt.Errorf("rpc: write hello: %w", err)
	}
	return hello.PeerKey, nil
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown refuses new connections, closes every session and waits for
// their pumps to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		_ = sess.Close()
	}
	s.wg.Wait()
	s.logger.Info("rpc: server stopped", slog.Int("closed_sessions", len(open)))
}
