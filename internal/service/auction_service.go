// Package service ties the auction state machine to its collaborators: the
// transport that delivers requests, the broadcast router that forwards
// accepted operations, and the optional journal, audit log and notifier.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
	"github.com/alanyoungcy/auctionmesh/internal/rpc"
)

// DefaultJournalStream is the redis stream accepted operations are appended to.
const DefaultJournalStream = "auction:journal"

// DefaultEventChannel is the event bus channel accepted operations are
// published on.
const DefaultEventChannel = "auction:events"

// Notification event names, matched against notify.events in the config.
const (
	EventAuctionOpened = "auction_opened"
	EventBidPlaced     = "bid_placed"
	EventAuctionClosed = "auction_closed"
)

// Broadcaster forwards an accepted operation to every peer but originator.
type Broadcaster interface {
	Broadcast(ctx context.Context, originator, method string, payload []byte) int
}

// Notifier sends operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// JournalEntry is one accepted operation as recorded in the event journal.
type JournalEntry struct {
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method"`
	Originator string          `json:"originator,omitempty"`
	Record     json.RawMessage `json:"record"`
	At         time.Time       `json:"at"`
}

// Stats counts submissions since start.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// AuctionService is the server-side entry point for auction operations.
type AuctionService struct {
	machine  *ledger.Machine
	router   Broadcaster
	journal  domain.EventJournal
	stream   string
	events   domain.EventBus
	channel  string
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger

	accepted atomic.Uint64
	rejected atomic.Uint64
	bg       sync.WaitGroup
}

// NewAuctionService creates an AuctionService.
func NewAuctionService(machine *ledger.Machine, router Broadcaster, logger *slog.Logger) *AuctionService {
	return &AuctionService{
		machine: machine,
		router:  router,
		stream:  DefaultJournalStream,
		channel: DefaultEventChannel,
		logger:  logger.With(slog.String("component", "auction_service")),
	}
}

// WithJournal appends every accepted operation to stream.
func (s *AuctionService) WithJournal(j domain.EventJournal, stream string) *AuctionService {
	s.journal = j
	if stream != "" {
		s.stream = stream
	}
	return s
}

// WithEvents publishes every accepted operation on channel.
func (s *AuctionService) WithEvents(bus domain.EventBus, channel string) *AuctionService {
	s.events = bus
	if channel != "" {
		s.channel = channel
	}
	return s
}

// WithAudit records every submission, accepted or not, in the audit log.
func (s *AuctionService) WithAudit(a domain.AuditStore) *AuctionService {
	s.audit = a
	return s
}

// WithNotifier sends an alert for every accepted operation.
func (s *AuctionService) WithNotifier(n Notifier) *AuctionService {
	s.notifier = n
	return s
}

// Machine exposes the underlying state machine for read queries.
func (s *AuctionService) Machine() *ledger.Machine { return s.machine }

// Register installs a responder for every auction method on mux.
func (s *AuctionService) Register(mux *rpc.Mux) {
	for _, method := range domain.Methods {
		mux.Respond(method, s.respond)
	}
}

func (s *AuctionService) respond(ctx context.Context, req *rpc.Request) ([]byte, error) {
	originator := ""
	if req.Session != nil {
		originator = req.Session.ID()
	}
	res := s.Submit(ctx, originator, req.Method, req.Payload)
	if !res.OK() {
		return nil, res.Err
	}
	return res.Payload, nil
}

// Submit applies one operation. On acceptance the canonical record is
// forwarded to every peer except originator; pass "" when the operation did
// not come from a peer. Rejections are returned, never broadcast.
func (s *AuctionService) Submit(ctx context.Context, originator, method string, payload []byte) ledger.Result {
	// Forwarding happens under the item lock so peers receive operations on
	// one item in the order they were applied.
	peers := 0
	res := s.machine.ApplyCommit(ctx, method, payload, func(ctx context.Context, accepted ledger.Result) {
		peers = s.router.Broadcast(ctx, originator, method, accepted.Payload)
	})
	s.recordAudit(ctx, originator, res)

	if !res.OK() {
		s.rejected.Add(1)
		level := slog.LevelInfo
		if res.Kind() == domain.KindStorage || res.Kind() == domain.KindInternal {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "auction: operation rejected",
			slog.String("method", method),
			slog.String("item", res.Item),
			slog.String("kind", string(res.Kind())),
			slog.String("originator", originator),
			slog.String("error", res.Err.Error()),
		)
		return res
	}

	s.accepted.Add(1)
	s.logger.InfoContext(ctx, "auction: operation accepted",
		slog.String("method", method),
		slog.String("item", res.Item),
		slog.String("originator", originator),
		slog.Int("forwarded_to", peers),
	)

	s.record(ctx, originator, res)
	s.sendNotification(ctx, res)
	return res
}

// Stats returns submission counters.
func (s *AuctionService) Stats() Stats {
	return Stats{Accepted: s.accepted.Load(), Rejected: s.rejected.Load()}
}

// Journal reads up to count entries recorded after lastID ("0" for the
// start of the stream).
func (s *AuctionService) Journal(ctx context.Context, lastID string, count int) ([]JournalEntry, error) {
	if s.journal == nil {
		return nil, nil
	}
	msgs, err := s.journal.Read(ctx, s.stream, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("auction_service: read journal: %w", err)
	}
	out := make([]JournalEntry, 0, len(msgs))
	for _, m := range msgs {
		var e JournalEntry
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			s.logger.WarnContext(ctx, "auction: skipping undecodable journal entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.ID = m.ID
		out = append(out, e)
	}
	return out, nil
}

// Wait blocks until background notifications have been sent.
func (s *AuctionService) Wait() {
	s.bg.Wait()
}

// record appends the accepted operation to the journal and publishes it on
// the event bus. Failures are logged only.
func (s *AuctionService) record(ctx context.Context, originator string, res ledger.Result) {
	if s.journal == nil && s.events == nil {
		return
	}
	data, err := json.Marshal(JournalEntry{
		Method:     res.Method,
		Originator: originator,
		Record:     res.Payload,
		At:         time.Now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "auction: encode journal entry failed", slog.String("error", err.Error()))
		return
	}
	if s.journal != nil {
		if err := s.journal.Append(ctx, s.stream, data); err != nil {
			s.logger.WarnContext(ctx, "auction: journal append failed",
				slog.String("method", res.Method),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, s.channel, data); err != nil {
			s.logger.WarnContext(ctx, "auction: event publish failed",
				slog.String("method", res.Method),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *AuctionService) recordAudit(ctx context.Context, originator string, res ledger.Result) {
	if s.audit == nil {
		return
	}
	detail := map[string]any{
		"method":     res.Method,
		"item":       res.Item,
		"originator": originator,
		"accepted":   res.OK(),
	}
	if !res.OK() {
		detail["kind"] = string(res.Kind())
		detail["error"] = res.Err.Error()
	}
	if err := s.audit.Log(ctx, "auction."+res.Method, detail); err != nil {
		s.logger.WarnContext(ctx, "auction: audit log failed", slog.String("error", err.Error()))
	}
}

func (s *AuctionService) sendNotification(ctx context.Context, res ledger.Result) {
	if s.notifier == nil {
		return
	}
	event, title := notificationFor(res.Method)
	message := Describe(res.Record)
	bgCtx := context.WithoutCancel(ctx)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(bgCtx, 15*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, event, title, message); err != nil {
			s.logger.Warn("auction: notification failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func notificationFor(method string) (event, title string) {
	switch method {
	case domain.MethodOpenAuction:
		return EventAuctionOpened, "Auction opened"
	case domain.MethodMakeBid:
		return EventBidPlaced, "Bid placed"
	default:
		return EventAuctionClosed, "Auction closed"
	}
}

// Describe renders a record as a one-line human summary.
func Describe(record any) string {
	switch r := record.(type) {
	case domain.Auction:
		return fmt.Sprintf("sell %s for %s", r.Item, r.Price)
	case domain.Bid:
		return fmt.Sprintf("%s bids %s on %s", r.Bidder, r.Amount, r.Item)
	case domain.AuctionClosure:
		return fmt.Sprintf("%s sold to %s for %s", r.Auction, r.Winner, r.FinalPrice)
	default:
		return fmt.Sprintf("%v", record)
	}
}
