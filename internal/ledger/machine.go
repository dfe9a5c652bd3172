// Package ledger holds the auction state machine: the lifecycle rules applied
// to openAuction, makeBid and closeAuction against the ordered ledger store.
//
// Every item moves through Unopened -> Open -> Closed independently of all
// other items. The check-then-act sequence of each operation runs under a
// per-item lock, so concurrent requests for one item are serialised while
// requests for different items proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/auctionmesh/internal/codec"
	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// DefaultLockTTL bounds how long a distributed item lock survives a crashed
// holder.
const DefaultLockTTL = 10 * time.Second

// StorageError reports a failed ledger store call. It matches
// domain.ErrStorage under errors.Is.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{domain.ErrStorage, e.Err}
}

// Result is the outcome of one operation: either the accepted record with its
// canonical encoding, or the reason it was rejected.
type Result struct {
	Method  string
	Item    string
	Record  any
	Payload []byte
	Err     error
}

// OK reports whether the operation was accepted.
func (r Result) OK() bool { return r.Err == nil }

// Kind classifies a rejection; it is empty for accepted operations.
func (r Result) Kind() domain.ErrorKind { return domain.KindOf(r.Err) }

func (r Result) fail(err error) Result {
	r.Record = nil
	r.Payload = nil
	r.Err = err
	return r
}

// Machine applies auction operations to a LedgerStore.
type Machine struct {
	store   domain.LedgerStore
	locks   domain.LockManager
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewMachine creates a Machine. A nil lock manager falls back to an
// in-process KeyedMutex.
func NewMachine(store domain.LedgerStore, locks domain.LockManager, lockTTL time.Duration, logger *slog.Logger) *Machine {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Machine{
		store:   store,
		locks:   locks,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("component", "ledger")),
	}
}

// CommitFunc observes an accepted operation while the item lock is still
// held, so operations on one item reach it in the order they were applied.
// It must not block.
type CommitFunc func(ctx context.Context, res Result)

// Apply decodes payload for method and runs the matching operation.
func (m *Machine) Apply(ctx context.Context, method string, payload []byte) Result {
	return m.ApplyCommit(ctx, method, payload, nil)
}

// ApplyCommit is Apply with commit called on acceptance, before the item
// lock is released. commit may be nil.
func (m *Machine) ApplyCommit(ctx context.Context, method string, payload []byte, commit CommitFunc) Result {
	rec, err := codec.Decode(method, payload)
	if err != nil {
		return Result{Method: method, Err: err}
	}
	switch r := rec.(type) {
	case domain.Auction:
		return m.openAuction(ctx, r, commit)
	case domain.Bid:
		return m.makeBid(ctx, r, commit)
	case domain.AuctionClosure:
		return m.closeAuction(ctx, r, commit)
	default:
		return Result{Method: method, Err: fmt.Errorf("ledger: %w %q", domain.ErrUnknownMethod, method)}
	}
}

// OpenAuction stores a new auction. It is rejected with ErrAlreadyOpen while
// the item is open and with ErrAuctionClosed once the item has been closed.
func (m *Machine) OpenAuction(ctx context.Context, a domain.Auction) Result {
	return m.openAuction(ctx, a, nil)
}

func (m *Machine) openAuction(ctx context.Context, a domain.Auction, commit CommitFunc) Result {
	res := Result{Method: domain.MethodOpenAuction, Item: a.Item, Record: a}
	if a.Item == "" {
		return res.fail(&codec.DecodeError{Record: "auction", Err: errors.New("missing item identifier")})
	}

	unlock, err := m.lock(ctx, a.Item)
	if err != nil {
		return res.fail(err)
	}
	defer unlock()

	_, open, err := m.get(ctx, AuctionKey(a.Item))
	if err != nil {
		return res.fail(err)
	}
	if open {
		return res.fail(fmt.Errorf("ledger: open %q: %w", a.Item, domain.ErrAlreadyOpen))
	}
	_, closed, err := m.get(ctx, ClosedKey(a.Item))
	if err != nil {
		return res.fail(err)
	}
	if closed {
		return res.fail(fmt.Errorf("ledger: open %q: %w", a.Item, domain.ErrAuctionClosed))
	}

	data, err := codec.Encode(a)
	if err != nil {
		return res.fail(err)
	}
	if err := m.put(ctx, AuctionKey(a.Item), data); err != nil {
		return res.fail(err)
	}
	res.Payload = data
	m.logger.DebugContext(ctx, "ledger: auction opened", slog.String("item", a.Item))
	return m.committed(ctx, res, commit)
}

// MakeBid records bidder's latest bid on an item. Only the closed state is
// checked: an item need not have been opened here to accept bids.
func (m *Machine) MakeBid(ctx context.Context, b domain.Bid) Result {
	return m.makeBid(ctx, b, nil)
}

func (m *Machine) makeBid(ctx context.Context, b domain.Bid, commit CommitFunc) Result {
	res := Result{Method: domain.MethodMakeBid, Item: b.Item, Record: b}
	if b.Item == "" || b.Bidder == "" {
		return res.fail(&codec.DecodeError{Record: "bid", Err: errors.New("missing item or bidder")})
	}
	if err := codec.CheckBidder(b.Bidder); err != nil {
		return res.fail(&codec.DecodeError{Record: "bid", Err: err})
	}

	unlock, err := m.lock(ctx, b.Item)
	if err != nil {
		return res.fail(err)
	}
	defer unlock()

	_, closed, err := m.get(ctx, ClosedKey(b.Item))
	if err != nil {
		return res.fail(err)
	}
	if closed {
		return res.fail(fmt.Errorf("ledger: bid on %q: %w", b.Item, domain.ErrAuctionClosed))
	}

	data, err := codec.Encode(b)
	if err != nil {
		return res.fail(err)
	}
	if err := m.put(ctx, BidKey(b.Item, b.Bidder), data); err != nil {
		return res.fail(err)
	}
	res.Payload = data
	m.logger.DebugContext(ctx, "ledger: bid recorded",
		slog.String("item", b.Item),
		slog.String("bidder", b.Bidder),
	)
	return m.committed(ctx, res, commit)
}

// CloseAuction moves an open item to closed. The closure's Auction field
// names the item for the existence check, the delete and the write. When the
// delete fails nothing is written; when the write fails the open record is
// put back.
func (m *Machine) CloseAuction(ctx context.Context, c domain.AuctionClosure) Result {
	return m.closeAuction(ctx, c, nil)
}

func (m *Machine) closeAuction(ctx context.Context, c domain.AuctionClosure, commit CommitFunc) Result {
	res := Result{Method: domain.MethodCloseAuction, Item: c.Auction, Record: c}
	if c.Auction == "" {
		return res.fail(&codec.DecodeError{Record: "closure", Err: errors.New("missing item identifier")})
	}

	unlock, err := m.lock(ctx, c.Auction)
	if err != nil {
		return res.fail(err)
	}
	defer unlock()

	prev, open, err := m.get(ctx, AuctionKey(c.Auction))
	if err != nil {
		return res.fail(err)
	}
	if !open {
		return res.fail(fmt.Errorf("ledger: close %q: %w", c.Auction, domain.ErrAuctionNotFound))
	}

	data, err := codec.Encode(c)
	if err != nil {
		return res.fail(err)
	}
	if err := m.delete(ctx, AuctionKey(c.Auction)); err != nil {
		return res.fail(err)
	}
	if err := m.put(ctx, ClosedKey(c.Auction), data); err != nil {
		// The store may still be reachable; restore the open record on a
		// fresh context so a cancelled request does not strand the item.
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := m.store.Put(restoreCtx, AuctionKey(c.Auction), prev); rerr != nil {
			m.logger.ErrorContext(ctx, "ledger: restore open auction after failed close",
				slog.String("item", c.Auction),
				slog.String("error", rerr.Error()),
			)
		}
		return res.fail(err)
	}
	res.Payload = data
	m.logger.DebugContext(ctx, "ledger: auction closed",
		slog.String("item", c.Auction),
		slog.String("winner", c.Winner),
	)
	return m.committed(ctx, res, commit)
}

func (m *Machine) committed(ctx context.Context, res Result, commit CommitFunc) Result {
	if commit != nil {
		commit(ctx, res)
	}
	return res
}

// State reports the lifecycle position of item.
func (m *Machine) State(ctx context.Context, item string) (domain.AuctionState, error) {
	_, closed, err := m.get(ctx, ClosedKey(item))
	if err != nil {
		return "", err
	}
	if closed {
		return domain.StateClosed, nil
	}
	_, open, err := m.get(ctx, AuctionKey(item))
	if err != nil {
		return "", err
	}
	if open {
		return domain.StateOpen, nil
	}
	return domain.StateUnopened, nil
}

// Auction returns the open auction for item, or domain.ErrNotFound.
func (m *Machine) Auction(ctx context.Context, item string) (domain.Auction, error) {
	data, ok, err := m.get(ctx, AuctionKey(item))
	if err != nil {
		return domain.Auction{}, err
	}
	if !ok {
		return domain.Auction{}, fmt.Errorf("ledger: auction %q: %w", item, domain.ErrNotFound)
	}
	return codec.DecodeAuction(data)
}

// Closure returns the closure record for item, or domain.ErrNotFound.
func (m *Machine) Closure(ctx context.Context, item string) (domain.AuctionClosure, error) {
	data, ok, err := m.get(ctx, ClosedKey(item))
	if err != nil {
		return domain.AuctionClosure{}, err
	}
	if !ok {
		return domain.AuctionClosure{}, fmt.Errorf("ledger: closure %q: %w", item, domain.ErrNotFound)
	}
	return codec.DecodeClosure(data)
}

// Bids returns the latest bid of every bidder on item, ordered by bidder.
// Entries that fail to decode are skipped and logged.
func (m *Machine) Bids(ctx context.Context, item string) ([]domain.Bid, error) {
	entries, err := m.store.List(ctx, BidPrefix(item))
	if err != nil {
		return nil, &StorageError{Op: "list", Key: BidPrefix(item), Err: err}
	}
	bids := make([]domain.Bid, 0, len(entries))
	for _, e := range entries {
		b, err := codec.DecodeBid(e.Value)
		if err != nil {
			m.logger.WarnContext(ctx, "ledger: skipping undecodable bid",
				slog.String("key", e.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		// Item names may contain "/": "bid/a/b/c" is bidder "c" on item
		// "a/b" and also matches the prefix of item "a".
		if b.Item != item {
			continue
		}
		bids = append(bids, b)
	}
	return bids, nil
}

// Snapshot returns every auction, bid and closure entry in ascending key
// order. Keys outside the ledger key space, such as the identity seed, are
// left out.
func (m *Machine) Snapshot(ctx context.Context) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, prefix := range []string{PrefixAuction, PrefixBid, PrefixClosed} {
		entries, err := m.store.List(ctx, prefix)
		if err != nil {
			return nil, &StorageError{Op: "list", Key: prefix, Err: err}
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Load writes entries back into the store, skipping any key outside the
// ledger key space. It returns the number of entries written.
func (m *Machine) Load(ctx context.Context, entries []domain.LedgerEntry) (int, error) {
	n := 0
	for _, e := range entries {
		if !IsLedgerKey(e.Key) {
			continue
		}
		if err := m.put(ctx, e.Key, e.Value); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// IsLedgerKey reports whether key belongs to the auction, bid or closure key
// space.
func IsLedgerKey(key string) bool {
	return strings.HasPrefix(key, PrefixAuction) ||
		strings.HasPrefix(key, PrefixBid) ||
		strings.HasPrefix(key, PrefixClosed)
}

func (m *Machine) lock(ctx context.Context, item string) (func(), error) {
	unlock, err := m.locks.Acquire(ctx, "item/"+item, m.lockTTL)
	if err != nil {
		return nil, &StorageError{Op: "lock", Key: item, Err: err}
	}
	return unlock, nil
}

func (m *Machine) get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := m.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	return data, true, nil
}

func (m *Machine) put(ctx context.Context, key string, value []byte) error {
	if err := m.store.Put(ctx, key, value); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (m *Machine) delete(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}
