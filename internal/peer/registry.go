// Package peer tracks the sessions of currently connected peers.
package peer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

type entry struct {
	session     domain.Session
	connectedAt time.Time
}

// Registry is the set of live peer sessions. It is the only owner of a
// session; List hands out a snapshot that stays valid after the registry
// changes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]entry
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]entry),
		logger:   logger.With(slog.String("component", "peer_registry")),
	}
}

// Add registers s. Adding a session whose ID is already present replaces it.
func (r *Registry) Add(s domain.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = entry{session: s, connectedAt: time.Now().UTC()}
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("peer: connected",
		slog.String("session", s.ID()),
		slog.String("peer_key", s.PeerKey()),
		slog.String("remote", s.RemoteAddr()),
		slog.Int("peers", n),
	)
}

// Remove unregisters s. It is a no-op when s is unknown or when its ID now
// belongs to a different session instance.
func (r *Registry) Remove(s domain.Session) {
	r.mu.Lock()
	e, ok := r.sessions[s.ID()]
	if !ok || e.session != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID())
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("peer: disconnected",
		slog.String("session", s.ID()),
		slog.String("peer_key", s.PeerKey()),
		slog.Int("peers", n),
	)
}

// Get describes the session registered under id.
func (r *Registry) Get(id string) (domain.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return domain.PeerInfo{}, false
	}
	return e.info(), true
}

// List returns a snapshot of all sessions ordered by connection time.
func (r *Registry) List() []domain.Session {
	entries := r.snapshot()
	out := make([]domain.Session, len(entries))
	for i, e := range entries {
		out[i] = e.session
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Peers describes every registered session.
func (r *Registry) Peers() []domain.PeerInfo {
	entries := r.snapshot()
	out := make([]domain.PeerInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info()
	}
	return out
}

func (e entry) info() domain.PeerInfo {
	return domain.PeerInfo{
		SessionID:   e.session.ID(),
		PeerKey:     e.session.PeerKey(),
		RemoteAddr:  e.session.RemoteAddr(),
		ConnectedAt: e.connectedAt,
	}
}

func (r *Registry) snapshot() []entry {
	r.mu.RLock()
	out := make([]entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].connectedAt.Before(out[j].connectedAt)
		}
		return out[i].session.ID() < out[j].session.ID()
	})
	return out
}
