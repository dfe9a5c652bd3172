package domain

// Method names used on the wire. Each names both the request a peer sends to
// the authoritative node and the one-way forward the node fans out.
const (
	MethodOpenAuction  = "openAuction"
	MethodMakeBid      = "makeBid"
	MethodCloseAuction = "closeAuction"
)

// Methods lists every auction operation in lifecycle order.
var Methods = []string{MethodOpenAuction, MethodMakeBid, MethodCloseAuction}

// Auction is an item put up for sale. Prices are kept as opaque monetary
// strings (e.g. "75 USDt"); the ledger never does arithmetic on them.
type Auction struct {
	Item  string `json:"item"`
	Price string `json:"price"`
}

// Bid is a bidder's offer on an item. The ledger keeps only the latest bid
// per (item, bidder).
type Bid struct {
	Item   string `json:"item"`
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
}

// AuctionClosure is the terminal record for an item. Auction names the item
// being closed and is the only identifying field the ledger consults.
type AuctionClosure struct {
	Auction    string `json:"auction"`
	Winner     string `json:"winner"`
	FinalPrice string `json:"finalPrice"`
}

// AuctionState is the lifecycle position of a single item.
type AuctionState string

const (
	StateUnopened AuctionState = "unopened"
	StateOpen     AuctionState = "open"
	StateClosed   AuctionState = "closed"
)
