package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/identity"
)

const (
	// DefaultReconnectDelay is the base delay before attempting to reconnect.
	DefaultReconnectDelay = 2 * time.Second

	// DefaultMaxReconnectDelay caps the exponential backoff.
	DefaultMaxReconnectDelay = 60 * time.Second
)

// ClientConfig configures the dialling side of a connection.
type ClientConfig struct {
	URL string
	// ServerKey is the hex public key of the server, exchanged out of band.
	// When empty the server's signature is not checked.
	ServerKey         string
	Session           SessionConfig
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Client keeps one session to a server alive, reconnecting with exponential
// backoff when it drops. Requests the server forwards are dispatched through
// mux.
type Client struct {
	cfg    ClientConfig
	mux    *Mux
	signer Signer
	logger *slog.Logger

	mu        sync.RWMutex
	sess      *Session
	serverKey string
	closed    bool
	connected chan struct{}
	done      chan struct{}
}

// NewClient creates a Client. It does not dial until Connect or Run.
func NewClient(cfg ClientConfig, mux *Mux, signer Signer, logger *slog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	return &Client{
		cfg:       cfg,
		mux:       mux,
		signer:    signer,
		logger:    logger.With(slog.String("component", "rpc_client")),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect dials the server, runs the handshake and starts a session. The
// dial and handshake run without holding the client lock, so Close, Session
// and Request stay responsive; Close also aborts a dial in progress.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return errClientClosed
	}
	if c.live() {
		return nil
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		if c.isClosed() {
			return errClientClosed
		}
		return fmt.Errorf("rpc: connect %s: %w", c.cfg.URL, err)
	}

	serverKey, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return errClientClosed
	}
	if c.sess != nil {
		select {
		case <-c.sess.Done():
		default:
			// Another Connect won the race.
			_ = conn.Close()
			return nil
		}
	}

	sess := newSession(conn, serverKey, c.mux, c.cfg.Session, c.logger)
	sess.start(nil)
	c.sess = sess
	c.serverKey = serverKey

	select {
	case <-c.connected:
	default:
		close(c.connected)
	}
	c.logger.Info("rpc: connected", slog.String("url", c.cfg.URL), slog.String("server_key", serverKey))
	return nil
}

var errClientClosed = errors.New("rpc: client is closed")

// live reports whether the current session is still open.
func (c *Client) live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return false
	}
	select {
	case <-c.sess.Done():
		return false
	default:
		return true
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) handshake(conn *websocket.Conn) (string, error) {
	conn.SetReadLimit(DefaultMaxMessageSize)
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	nonce := uuid.NewString()
	if err := conn.WriteJSON(Frame{Type: TypeHello, PeerKey: c.signer.PublicKeyHex(), Nonce: nonce}); err != nil {
		return "", fmt.Errorf("rpc: write hello: %w", err)
	}

	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("rpc: read hello: %w", errors.Join(domain.ErrHandshake, err))
	}
	if reply.Type != TypeHello || reply.PeerKey == "" {
		return "", fmt.Errorf("rpc: malformed hello reply: %w", domain.ErrHandshake)
	}

	if c.cfg.ServerKey != "" {
		if reply.PeerKey != c.cfg.ServerKey {
			return "", fmt.Errorf("rpc: server announced %s, want %s: %w", reply.PeerKey, c.cfg.ServerKey, domain.ErrHandshake)
		}
		sig, err := hex.DecodeString(reply.Signature)
		if err != nil {
			return "", fmt.Errorf("rpc: signature hex: %w", errors.Join(domain.ErrHandshake, err))
		}
		if err := identity.Verify(c.cfg.ServerKey, []byte(nonce), sig); err != nil {
			return "", err
		}
	}
	return reply.PeerKey, nil
}

// Run keeps the client connected until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("rpc: connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				_ = c.Close()
				return nil
			case <-c.done:
				return nil
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
			continue
		}
		delay = c.cfg.ReconnectDelay

		sess := c.Session()
		select {
		case <-ctx.Done():
			_ = c.Close()
			return nil
		case <-c.done:
			return nil
		case <-sess.Done():
			c.logger.Warn("rpc: session ended, reconnecting")
		}
	}
}

// WaitConnected blocks until the first successful Connect or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the current session, which may already have ended.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// ServerKey returns the key the server announced on the last handshake.
func (c *Client) ServerKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverKey
}

// Request sends method(payload) over the current session.
func (c *Client) Request(ctx context.Context, method string, payload []byte) ([]byte, error) {
	sess := c.Session()
	if sess == nil {
		return nil, fmt.Errorf("rpc: %s: not connected: %w", method, domain.ErrSessionClosed)
	}
	return sess.Request(ctx, method, payload)
}

// Close shuts down the client and its session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.sess != nil {
		return c.sess.Close()
	}
	return nil
}
