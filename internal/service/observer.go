package service

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
	"github.com/alanyoungcy/auctionmesh/internal/rpc"
)

// Observer is the client-side receiver of forwarded operations. It applies
// each one to a local, non-authoritative ledger and logs the outcome; it
// never answers with an error and never forwards anything.
type Observer struct {
	machine *ledger.Machine
	logger  *slog.Logger
	events  chan<- ledger.Result
}

// NewObserver creates an Observer mirroring into machine.
func NewObserver(machine *ledger.Machine, logger *slog.Logger) *Observer {
	return &Observer{
		machine: machine,
		logger:  logger.With(slog.String("component", "observer")),
	}
}

// WithEvents copies every observed result to ch without blocking.
func (o *Observer) WithEvents(ch chan<- ledger.Result) *Observer {
	o.events = ch
	return o
}

// Machine exposes the local mirror.
func (o *Observer) Machine() *ledger.Machine { return o.machine }

// Register installs a responder for every auction method on mux.
func (o *Observer) Register(mux *rpc.Mux) {
	for _, method := range domain.Methods {
		mux.Respond(method, o.observe)
	}
}

func (o *Observer) observe(ctx context.Context, req *rpc.Request) ([]byte, error) {
	res := o.machine.Apply(ctx, req.Method, req.Payload)
	if res.OK() {
		o.logger.InfoContext(ctx, "observer: "+observedTitle(req.Method),
			slog.String("item", res.Item),
			slog.String("detail", Describe(res.Record)),
		)
	} else {
		// The server's ledger is authoritative; a local disagreement only
		// means this client joined late or missed a forward.
		o.logger.WarnContext(ctx, "observer: local mirror disagrees",
			slog.String("method", req.Method),
			slog.String("kind", string(res.Kind())),
			slog.String("error", res.Err.Error()),
		)
	}
	if o.events != nil {
		select {
		case o.events <- res:
		default:
		}
	}
	return nil, nil
}

func observedTitle(method string) string {
	switch method {
	case domain.MethodOpenAuction:
		return "new auction opened"
	case domain.MethodMakeBid:
		return "new bid placed"
	case domain.MethodCloseAuction:
		return "auction closed"
	default:
		return method
	}
}
