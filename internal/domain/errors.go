package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrDecode          = errors.New("malformed payload")
	ErrAlreadyOpen     = errors.New("auction already open")
	ErrAuctionClosed   = errors.New("auction already closed")
	ErrAuctionNotFound = errors.New("auction does not exist")
	ErrStorage         = errors.New("storage failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
	ErrSessionClosed   = errors.New("session closed")
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrHandshake       = errors.New("handshake failed")
	ErrUnknownMethod   = errors.New("unknown method")
)

// ErrorKind is the wire-level name of a rejection reason. It travels back to
// the requester in failed responses so the remote side can map it to the
// matching sentinel.
type ErrorKind string

const (
	KindDecode          ErrorKind = "decode"
	KindAlreadyOpen     ErrorKind = "already_open"
	KindAuctionClosed   ErrorKind = "auction_closed"
	KindAuctionNotFound ErrorKind = "auction_not_found"
	KindStorage         ErrorKind = "storage"
	KindUnknownMethod   ErrorKind = "unknown_method"
	KindInternal        ErrorKind = "internal"
)

var kindSentinels = map[ErrorKind]error{
	KindDecode:          ErrDecode,
	KindAlreadyOpen:     ErrAlreadyOpen,
	KindAuctionClosed:   ErrAuctionClosed,
	KindAuctionNotFound: ErrAuctionNotFound,
	KindStorage:         ErrStorage,
	KindUnknownMethod:   ErrUnknownMethod,
}

// KindOf classifies err. Lifecycle rejections take precedence over storage
// failures; anything unrecognised is KindInternal. A nil error has no kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrAlreadyOpen):
		return KindAlreadyOpen
	case errors.Is(err, ErrAuctionClosed):
		return KindAuctionClosed
	case errors.Is(err, ErrAuctionNotFound):
		return KindAuctionNotFound
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrUnknownMethod):
		return KindUnknownMethod
	default:
		return KindInternal
	}
}

// Sentinel returns the error value a kind stands for, or nil for
// KindInternal and unknown kinds.
func (k ErrorKind) Sentinel() error {
	return kindSentinels[k]
}
