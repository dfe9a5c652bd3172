package domain

import (
	"context"
	"time"
)

// Session is a live request/response channel to one connected peer. Sessions
// are owned by the peer registry; other components only borrow them for the
// duration of a call.
type Session interface {
	// ID is unique per connection, even when the same peer reconnects.
	ID() string
	// PeerKey is the hex-encoded public key the peer announced.
	PeerKey() string
	RemoteAddr() string
	// Notify sends a one-way request; no response is awaited.
	Notify(ctx context.Context, method string, payload []byte) error
}

// PeerInfo is a read-only view of a registered session.
type PeerInfo struct {
	SessionID   string    `json:"session_id"`
	PeerKey     string    `json:"peer_key"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}
