package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/auctionmesh/internal/codec"
	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// Requester sends a request to the authoritative node.
type Requester interface {
	Request(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// AuctionClient submits operations to a server on behalf of a client node.
type AuctionClient struct {
	rpc    Requester
	logger *slog.Logger
}

// NewAuctionClient creates an AuctionClient.
func NewAuctionClient(rpc Requester, logger *slog.Logger) *AuctionClient {
	return &AuctionClient{
		rpc:    rpc,
		logger: logger.With(slog.String("component", "auction_client")),
	}
}

// OpenAuction asks the server to open a.
func (c *AuctionClient) OpenAuction(ctx context.Context, a domain.Auction) error {
	return c.send(ctx, domain.MethodOpenAuction, a)
}

// MakeBid asks the server to record b.
func (c *AuctionClient) MakeBid(ctx context.Context, b domain.Bid) error {
	return c.send(ctx, domain.MethodMakeBid, b)
}

// CloseAuction asks the server to close an auction.
func (c *AuctionClient) CloseAuction(ctx context.Context, cl domain.AuctionClosure) error {
	return c.send(ctx, domain.MethodCloseAuction, cl)
}

func (c *AuctionClient) send(ctx context.Context, method string, record any) error {
	payload, err := codec.Encode(record)
	if err != nil {
		return err
	}
	if _, err := c.rpc.Request(ctx, method, payload); err != nil {
		return fmt.Errorf("auction_client: %s: %w", method, err)
	}
	c.logger.InfoContext(ctx, "auction_client: "+method+" accepted", slog.String("detail", Describe(record)))
	return nil
}

// DemoScript is the walkthrough RunDemo performs: two auctions, three bids on
// the first (one bidder raising its own bid) and the close of the first.
func DemoScript() (auctions []domain.Auction, bids []domain.Bid, closure domain.AuctionClosure) {
	auctions = []domain.Auction{
		{Item: "Pic#1", Price: "75 USDt"},
		{Item: "Pic#2", Price: "60 USDt"},
	}
	bids = []domain.Bid{
		{Item: "Pic#1", Bidder: "Client#2", Amount: "75 USDt"},
		{Item: "Pic#1", Bidder: "Client#3", Amount: "75.5 USDt"},
		{Item: "Pic#1", Bidder: "Client#2", Amount: "80 USDt"},
	}
	closure = domain.AuctionClosure{Auction: "Pic#1", Winner: "Client#2", FinalPrice: "80 USDt"}
	return auctions, bids, closure
}

// RunDemo plays DemoScript against the server, stopping at the first
// rejection.
func (c *AuctionClient) RunDemo(ctx context.Context) error {
	auctions, bids, closure := DemoScript()
	for _, a := range auctions {
		if err := c.OpenAuction(ctx, a); err != nil {
			return err
		}
	}
	for _, b := range bids {
		if err := c.MakeBid(ctx, b); err != nil {
			return err
		}
	}
	return c.CloseAuction(ctx, closure)
}
