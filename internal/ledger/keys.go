package ledger

// Key prefixes of the ledger key space.
const (
	PrefixAuction = "auction/"
	PrefixBid     = "bid/"
	PrefixClosed  = "closedAuction/"
)

// AuctionKey is present iff item is open.
func AuctionKey(item string) string { return PrefixAuction + item }

// BidKey holds the latest bid of bidder on item. Bidders never contain "/",
// so the last segment identifies the bidder.
func BidKey(item, bidder string) string { return PrefixBid + item + "/" + bidder }

// BidPrefix lists every bid stored under item. Item names may themselves
// contain "/", so callers must still check the decoded bid's item.
func BidPrefix(item string) string { return PrefixBid + item + "/" }

// ClosedKey is present iff item is closed.
func ClosedKey(item string) string { return PrefixClosed + item }
