// Package broadcast forwards accepted auction operations to connected peers.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// Defaults used when the router is created with zero values.
const (
	DefaultMaxInFlight = 64
	DefaultSendTimeout = 5 * time.Second
	DefaultQueueSize   = 1024
)

// Sessions is the view of the peer registry the router needs.
type Sessions interface {
	List() []domain.Session
}

// Stats counts dispatch outcomes since the router was created.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	InFlight  int64  `json:"in_flight"`
}

type forward struct {
	ctx     context.Context
	method  string
	payload []byte
}

// peerQueue delivers forwards to one session in the order they were
// broadcast.
type peerQueue struct {
	session domain.Session
	ops     chan forward
}

// Router fans a forwarded request out to every session but its originator.
// Broadcast enqueues onto a per-peer FIFO without blocking; one worker per
// peer drains it, so a peer sees operations in broadcast order. A weighted
// semaphore caps how many sends are on the wire at once across all peers.
// Sends are never retried.
type Router struct {
	sessions    Sessions
	sem         *semaphore.Weighted
	sendTimeout time.Duration
	queueSize   int
	logger      *slog.Logger

	mu     sync.Mutex
	queues map[string]*peerQueue
	closed bool

	wg        sync.WaitGroup
	delivered atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64
}

// NewRouter creates a Router over sessions.
func NewRouter(sessions Sessions, maxInFlight int, sendTimeout time.Duration, logger *slog.Logger) *Router {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Router{
		sessions:    sessions,
		sem:         semaphore.NewWeighted(int64(maxInFlight)),
		sendTimeout: sendTimeout,
		queueSize:   DefaultQueueSize,
		queues:      make(map[string]*peerQueue),
		logger:      logger.With(slog.String("component", "broadcast")),
	}
}

// WithQueueSize bounds how many forwards may wait for one peer. A peer whose
// queue is full misses the forward.
func (r *Router) WithQueueSize(n int) *Router {
	if n > 0 {
		r.queueSize = n
	}
	return r
}

// Broadcast queues method(payload) for every session whose ID differs from
// originator and returns the number of peers it was queued for. It never
// blocks on a peer. An empty originator reaches every session.
//
// Dispatches outlive ctx's cancellation; each send is bounded by the router's
// send timeout instead, counted from when the peer's worker picks it up.
func (r *Router) Broadcast(ctx context.Context, originator, method string, payload []byte) int {
	f := forward{ctx: context.WithoutCancel(ctx), method: method, payload: payload}

	// The session list is read under mu so concurrent broadcasts never
	// prune a queue another one just created.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	sessions := r.sessions.List()

	live := make(map[string]bool, len(sessions))
	scheduled := 0
	for _, s := range sessions {
		live[s.ID()] = true
		if s.ID() == originator {
			continue
		}
		q := r.queueLocked(s)
		r.wg.Add(1)
		r.inFlight.Add(1)
		select {
		case q.ops <- f:
			scheduled++
		default:
			r.inFlight.Add(-1)
			r.wg.Done()
			r.fail(s, method, domain.ErrSendBufferFull)
		}
	}
	r.pruneLocked(live)

	r.logger.DebugContext(ctx, "broadcast: scheduled",
		slog.String("method", method),
		slog.String("originator", originator),
		slog.Int("peers", scheduled),
	)
	return scheduled
}

// queueLocked returns the queue of s, starting its worker on first use.
func (r *Router) queueLocked(s domain.Session) *peerQueue {
	if q, ok := r.queues[s.ID()]; ok {
		if q.session == s {
			return q
		}
		close(q.ops)
	}
	q := &peerQueue{session: s, ops: make(chan forward, r.queueSize)}
	r.queues[s.ID()] = q
	go r.drain(q)
	return q
}

// pruneLocked stops the workers of sessions that left the registry. Forwards
// already queued for them are still attempted and fail fast.
func (r *Router) pruneLocked(live map[string]bool) {
	for id, q := range r.queues {
		if !live[id] {
			close(q.ops)
			delete(r.queues, id)
		}
	}
}

func (r *Router) drain(q *peerQueue) {
	for f := range q.ops {
		r.dispatch(q.session, f)
	}
}

func (r *Router) dispatch(s domain.Session, f forward) {
	defer r.wg.Done()
	defer r.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(f.ctx, r.sendTimeout)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.fail(s, f.method, err)
		return
	}
	defer r.sem.Release(1)

	if err := s.Notify(ctx, f.method, f.payload); err != nil {
		r.fail(s, f.method, err)
		return
	}
	r.delivered.Add(1)
}

func (r *Router) fail(s domain.Session, method string, err error) {
	r.failed.Add(1)
	r.logger.Warn("broadcast: send failed",
		slog.String("method", method),
		slog.String("session", s.ID()),
		slog.String("peer_key", s.PeerKey()),
		slog.String("error", err.Error()),
	)
}

// Wait blocks until every queued dispatch has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close stops every peer worker once its queue is drained. Later broadcasts
// are dropped.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, q := range r.queues {
		close(q.ops)
		delete(r.queues, id)
	}
}

// Stats returns the current counters.
func (r *Router) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
		InFlight:  r.inFlight.Load(),
	}
}
