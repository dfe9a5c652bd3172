package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
)

// Submitter applies an operation and forwards it to peers when accepted.
type Submitter interface {
	Submit(ctx context.Context, originator, method string, payload []byte) ledger.Result
}

// LedgerReader answers read queries against the ledger.
type LedgerReader interface {
	State(ctx context.Context, item string) (domain.AuctionState, error)
	Auction(ctx context.Context, item string) (domain.Auction, error)
	Closure(ctx context.Context, item string) (domain.AuctionClosure, error)
	Bids(ctx context.Context, item string) ([]domain.Bid, error)
}

// AuctionHandler serves ledger queries and locally submitted operations.
type AuctionHandler struct {
	svc    Submitter
	ledger LedgerReader
	logger *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(svc Submitter, reader LedgerReader, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{svc: svc, ledger: reader, logger: logHandler(logger, "auction")}
}

// GetAuction returns the open auction for item.
// GET /api/auctions/{item}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	item := r.PathValue("item")
	a, err := h.ledger.Auction(r.Context(), item)
	if notFound(err) {
		writeError(w, http.StatusNotFound, "auction not open: "+item)
		return
	}
	if err != nil {
		h.internal(w, r, "get auction", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetState returns where item is in its lifecycle.
// GET /api/auctions/{item}/state
func (h *AuctionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	item := r.PathValue("item")
	state, err := h.ledger.State(r.Context(), item)
	if err != nil {
		h.internal(w, r, "get state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"item": item, "state": string(state)})
}

// ListBids returns the latest bid of every bidder on item.
// GET /api/auctions/{item}/bids
func (h *AuctionHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	item := r.PathValue("item")
	bids, err := h.ledger.Bids(r.Context(), item)
	if err != nil {
		h.internal(w, r, "list bids", err)
		return
	}
	if bids == nil {
		bids = []domain.Bid{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "bids": bids})
}

// GetClosure returns the closure record for item.
// GET /api/auctions/{item}/closure
func (h *AuctionHandler) GetClosure(w http.ResponseWriter, r *http.Request) {
	item := r.PathValue("item")
	c, err := h.ledger.Closure(r.Context(), item)
	if notFound(err) {
		writeError(w, http.StatusNotFound, "auction not closed: "+item)
		return
	}
	if err != nil {
		h.internal(w, r, "get closure", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// OpenAuction submits an openAuction record.
// POST /api/auctions
func (h *AuctionHandler) OpenAuction(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.MethodOpenAuction)
}

// MakeBid submits a makeBid record.
// POST /api/bids
func (h *AuctionHandler) MakeBid(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.MethodMakeBid)
}

// CloseAuction submits a closeAuction record.
// POST /api/closures
func (h *AuctionHandler) CloseAuction(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.MethodCloseAuction)
}

// submit applies the body as a locally originated operation, so it is
// forwarded to every connected peer.
func (h *AuctionHandler) submit(w http.ResponseWriter, r *http.Request, method string) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := h.svc.Submit(r.Context(), "", method, body)
	if !res.OK() {
		writeRejection(w, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Record)
}

func (h *AuctionHandler) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	writeRejection(w, err)
}
