package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionmesh/internal/broadcast"
	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/service"
)

// PeerLister reports the sessions currently registered.
type PeerLister interface {
	Peers() []domain.PeerInfo
	Get(id string) (domain.PeerInfo, bool)
}

// StatusHandler serves node identity, peer count and dispatch counters.
type StatusHandler struct {
	mode      string
	peerKey   string
	startedAt time.Time
	peers     PeerLister
	router    interface{ Stats() broadcast.Stats }
	svc       interface{ Stats() service.Stats }
	methods   func() []string
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, peerKey string, peers PeerLister, router interface{ Stats() broadcast.Stats }, svc interface{ Stats() service.Stats }) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		peerKey:   peerKey,
		startedAt: time.Now().UTC(),
		peers:     peers,
		router:    router,
		svc:       svc,
	}
}

// WithMethods reports the peer transport's registered methods in the status.
func (h *StatusHandler) WithMethods(methods func() []string) *StatusHandler {
	h.methods = methods
	return h
}

// GetStatus responds with the node's mode, key, uptime and counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"mode":            h.mode,
		"peer_key":        h.peerKey,
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		"peers_connected": len(h.peers.Peers()),
		"broadcast":       h.router.Stats(),
		"operations":      h.svc.Stats(),
	}
	if h.methods != nil {
		status["methods"] = h.methods()
	}
	writeJSON(w, http.StatusOK, status)
}

// ListPeers responds with every connected peer, oldest first.
// GET /api/peers
func (h *StatusHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.peers.Peers()
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

// GetPeer responds with one connected peer.
// GET /api/peers/{id}
func (h *StatusHandler) GetPeer(w http.ResponseWriter, r *http.Request) {
	info, ok := h.peers.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "peer not connected")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
