// Package codec converts auction records to and from the UTF-8 JSON payloads
// exchanged between peers and stored in the ledger.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// DecodeError reports a payload that could not be turned into a record. It
// matches domain.ErrDecode under errors.Is.
type DecodeError struct {
	Record string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s: %v", e.Record, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{domain.ErrDecode, e.Err}
}

// Encode serialises a record. Struct fields are emitted in declaration order,
// so equal records always encode to equal bytes.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %T: %w", v, err)
	}
	return data, nil
}

// auctionWire is the accepted inbound shape of an Auction.
type auctionWire struct {
	Item  string `json:"item"`
	Price string `json:"price"`
}

// bidWire accepts both the canonical field names and the aliases older
// clients send ("auction" for the item, "clientId" for the bidder).
type bidWire struct {
	Item     string `json:"item"`
	Auction  string `json:"auction"`
	Bidder   string `json:"bidder"`
	ClientID string `json:"clientId"`
	Amount   string `json:"amount"`
}

// closureWire accepts "item" as an alias for "auction".
type closureWire struct {
	Auction    string `json:"auction"`
	Item       string `json:"item"`
	Winner     string `json:"winner"`
	FinalPrice string `json:"finalPrice"`
}

var errMissingItem = errors.New("missing item identifier")

// DecodeAuction parses an openAuction payload.
func DecodeAuction(data []byte) (domain.Auction, error) {
	var w auctionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Auction{}, &DecodeError{Record: "auction", Err: err}
	}
	if w.Item == "" {
		return domain.Auction{}, &DecodeError{Record: "auction", Err: errMissingItem}
	}
	return domain.Auction{Item: w.Item, Price: w.Price}, nil
}

// DecodeBid parses a makeBid payload.
func DecodeBid(data []byte) (domain.Bid, error) {
	var w bidWire
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Bid{}, &DecodeError{Record: "bid", Err: err}
	}
	b := domain.Bid{
		Item:   firstNonEmpty(w.Item, w.Auction),
		Bidder: firstNonEmpty(w.Bidder, w.ClientID),
		Amount: w.Amount,
	}
	if b.Item == "" {
		return domain.Bid{}, &DecodeError{Record: "bid", Err: errMissingItem}
	}
	if b.Bidder == "" {
		return domain.Bid{}, &DecodeError{Record: "bid", Err: errors.New("missing bidder")}
	}
	if err := CheckBidder(b.Bidder); err != nil {
		return domain.Bid{}, &DecodeError{Record: "bid", Err: err}
	}
	return b, nil
}

// CheckBidder rejects bidder names containing "/". The bidder is the last
// segment of its bid key, so a separator inside it would alias a bid on a
// longer item name.
func CheckBidder(bidder string) error {
	if strings.Contains(bidder, "/") {
		return fmt.Errorf("bidder %q contains %q", bidder, "/")
	}
	return nil
}

// DecodeClosure parses a closeAuction payload.
func DecodeClosure(data []byte) (domain.AuctionClosure, error) {
	var w closureWire
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.AuctionClosure{}, &DecodeError{Record: "closure", Err: err}
	}
	c := domain.AuctionClosure{
		Auction:    firstNonEmpty(w.Auction, w.Item),
		Winner:     w.Winner,
		FinalPrice: w.FinalPrice,
	}
	if c.Auction == "" {
		return domain.AuctionClosure{}, &DecodeError{Record: "closure", Err: errMissingItem}
	}
	return c, nil
}

// Decode parses the payload of the given method into its record type.
func Decode(method string, data []byte) (any, error) {
	switch method {
	case domain.MethodOpenAuction:
		return DecodeAuction(data)
	case domain.MethodMakeBid:
		return DecodeBid(data)
	case domain.MethodCloseAuction:
		return DecodeClosure(data)
	default:
		return nil, fmt.Errorf("codec: %w %q", domain.ErrUnknownMethod, method)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
