package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize bounds an incoming frame.
	DefaultMaxMessageSize = 64 * 1024

	// DefaultSendBuffer is the per-session outgoing frame buffer.
	DefaultSendBuffer = 256
)

// SessionConfig tunes one connection.
type SessionConfig struct {
	SendBuffer     int
	MaxMessageSize int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// Session is one live websocket connection to a peer. It implements
// domain.Session. Frames are written by a single write pump. Inbound
// requests each run on their own goroutine; notifications are handled one at
// a time in arrival order.
type Session struct {
	id      string
	peerKey string
	remote  string
	conn    *websocket.Conn
	mux     *Mux
	logger  *slog.Logger

	send      chan []byte
	inbox     chan Frame
	done      chan struct{}
	closeOnce sync.Once

	// ctx is handed to request handlers and cancelled when the session ends.
	ctx    context.Context
	cancel context.CancelFunc

	nextID  atomic.Uint64
	pendMu  sync.Mutex
	pending map[uint64]chan Frame
}

func newSession(conn *websocket.Conn, peerKey string, mux *Mux, cfg SessionConfig, logger *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &Session{
		id:      id,
		peerKey: peerKey,
		remote:  conn.RemoteAddr().String(),
		conn:    conn,
		mux:     mux,
		logger:  logger.With(slog.String("session", id), slog.String("peer_key", peerKey)),
		send:    make(chan []byte, cfg.SendBuffer),
		inbox:   make(chan Frame, cfg.SendBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan Frame),
	}
}

// ID is unique per connection.
func (s *Session) ID() string { return s.id }

// PeerKey is the hex public key the remote side announced.
func (s *Session) PeerKey() string { return s.peerKey }

// RemoteAddr is the network address of the remote side.
func (s *Session) RemoteAddr() string { return s.remote }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// start runs the pumps. onClose is called once, after the read pump exits.
func (s *Session) start(onClose func(*Session)) {
	go s.writePump()
	go s.notifyPump()
	go func() {
		s.readPump()
		s.Close()
		if onClose != nil {
			onClose(s)
		}
	}()
}

// Notify sends a one-way request. It fails fast with
// domain.ErrSendBufferFull when the peer is not draining its buffer.
func (s *Session) Notify(_ context.Context, method string, payload []byte) error {
	return s.enqueue(Frame{Type: TypeNotify, Method: method, Payload: string(payload)})
}

// Request sends method(payload) and waits for the correlated response. A
// failed response is returned as a *RemoteError.
func (s *Session) Request(ctx context.Context, method string, payload []byte) ([]byte, error) {
	id := s.nextID.Add(1)
	ch := make(chan Frame, 1)

	s.pendMu.Lock()
	s.pending[id] = ch
	s.pendMu.Unlock()
	defer func() {
		s.pendMu.Lock()
		delete(s.pending, id)
		s.pendMu.Unlock()
	}()

	if err := s.enqueue(Frame{ID: id, Type: TypeRequest, Method: method, Payload: string(payload)}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &RemoteError{Method: method, Kind: resp.Error.Kind, Message: resp.Error.Message}
		}
		return []byte(resp.Payload), nil
	case <-s.done:
		return nil, fmt.Errorf("rpc: %s: %w", method, domain.ErrSessionClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc: %s: %w", method, ctx.Err())
	}
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) enqueue(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("rpc: marshal frame: %w", err)
	}
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return domain.ErrSessionClosed
	default:
		return domain.ErrSendBufferFull
	}
}

// readPump reads frames until the connection fails or the session closes.
func (s *Session) readPump() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("rpc: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			s.logger.Warn("rpc: dropping unparseable frame", slog.String("error", err.Error()))
			continue
		}

		switch f.Type {
		case TypeRequest:
			go s.serve(f)
		case TypeNotify:
			// A full inbox stalls the read pump rather than reordering.
			select {
			case s.inbox <- f:
			case <-s.done:
				return
			}
		case TypeResponse:
			s.resolve(f)
		default:
			s.logger.Debug("rpc: ignoring frame", slog.String("type", string(f.Type)))
		}
	}
}

// notifyPump serves notifications sequentially until the session ends.
func (s *Session) notifyPump() {
	for {
		select {
		case f := <-s.inbox:
			s.serve(f)
		case <-s.done:
			return
		}
	}
}

func (s *Session) serve(f Frame) {
	oneWay := f.Type == TypeNotify
	h, ok := s.mux.lookup(f.Method)
	if !ok {
		s.logger.Warn("rpc: no handler", slog.String("method", f.Method))
		if !oneWay {
			s.reply(f.ID, nil, fmt.Errorf("rpc: %w %q", domain.ErrUnknownMethod, f.Method))
		}
		return
	}

	out, err := h(s.ctx, &Request{Method: f.Method, Payload: []byte(f.Payload), OneWay: oneWay, Session: s})
	if oneWay {
		if err != nil {
			s.logger.Debug("rpc: notification handler failed",
				slog.String("method", f.Method),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s.reply(f.ID, out, err)
}

func (s *Session) reply(id uint64, payload []byte, err error) {
	resp := Frame{ID: id, Type: TypeResponse}
	if err != nil {
		resp.Error = errorBody(err)
	} else {
		resp.Payload = string(payload)
	}
	if qerr := s.enqueue(resp); qerr != nil {
		s.logger.Warn("rpc: response dropped", slog.String("error", qerr.Error()))
	}
}

func (s *Session) resolve(f Frame) {
	s.pendMu.Lock()
	ch, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.pendMu.Unlock()
	if !ok {
		s.logger.Debug("rpc: response for unknown request", slog.Uint64("id", f.ID))
		return
	}
	ch <- f
}

// writePump drains the send buffer onto the connection and keeps it alive
// with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("rpc: write failed", slog.String("error", err.Error()))
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

var _ domain.Session = (*Session)(nil)
