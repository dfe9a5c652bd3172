// Package rpc is the request/response transport between peers: JSON frames
// over a websocket, a method multiplexer on the receiving side and correlated
// requests plus one-way notifications on the sending side.
package rpc

import (
	"fmt"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// FrameType tags each websocket message.
type FrameType string

const (
	TypeHello    FrameType = "hello"
	TypeRequest  FrameType = "request"
	TypeResponse FrameType = "response"
	TypeNotify   FrameType = "notify"
)

// Frame is the JSON envelope of every websocket text message. Payload carries
// the UTF-8 record document as a string so that a malformed record still
// arrives intact at the handler that must reject it.
type Frame struct {
	ID        uint64     `json:"id,omitempty"`
	Type      FrameType  `json:"type"`
	Method    string     `json:"method,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	PeerKey   string     `json:"peerKey,omitempty"`
	Nonce     string     `json:"nonce,omitempty"`
	Signature string     `json:"signature,omitempty"`
}

// ErrorBody is the failure half of a response.
type ErrorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// RemoteError is a failed response as seen by the requester. It unwraps to
// the domain sentinel matching its kind, so errors.Is(err,
// domain.ErrAlreadyOpen) works across the wire.
type RemoteError struct {
	Method  string
	Kind    domain.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s rejected (%s): %s", e.Method, e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Kind.Sentinel()
}

func errorBody(err error) *ErrorBody {
	return &ErrorBody{Kind: domain.KindOf(err), Message: err.Error()}
}
