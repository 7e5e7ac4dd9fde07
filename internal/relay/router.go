package relay

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"vaulted/internal/observability"
	"vaulted/internal/presence"
)

var log = logging.Logger("relay")

type Outcome int

const (
	Delivered Outcome = iota
	Missed
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Missed:
		return "missed"
	default:
		return "dropped"
	}
}

// Result describes what happened to one inbound frame.
type Result struct {
	Kind        Kind
	RecipientID string
	Outcome     Outcome
	Err         error
}

// Directory resolves a user to its live connection.
type Directory interface {
	Lookup(userID string) (presence.Conn, bool)
}

// Router forwards frames between connected peers. It never returns an error
// to the sender: misses and drops are logged and counted.
type Router struct {
	dir Directory
}

func NewRouter(dir Directory) *Router {
	return &Router{dir: dir}
}

// Route forwards one frame received from senderID, whose identity was
// verified when the connection was established.
func (r *Router) Route(ctx context.Context, senderID string, raw []byte) Result {
	kind, recipientID, out, err := rewrite(raw, senderID)
	if err != nil {
		log.Debugw("dropping frame", "sender", senderID, "kind", kind, "err", err)
		return r.finish(ctx, senderID, Result{Kind: kind, RecipientID: recipientID, Outcome: Dropped, Err: err})
	}
	if kind == KindUnknown {
		log.Debugw("ignoring frame of unknown type", "sender", senderID)
		return r.finish(ctx, senderID, Result{Kind: kind, Outcome: Dropped})
	}

	res := Result{Kind: kind, RecipientID: recipientID}
	conn, ok := r.dir.Lookup(recipientID)
	switch {
	case !ok:
		res.Outcome = Missed
	case !conn.Open():
		res.Outcome = Missed
		res.Err = errors.New("recipient connection not open")
	default:
		if err := conn.Send(out); err != nil {
			res.Outcome = Missed
			res.Err = err
		} else {
			res.Outcome = Delivered
		}
	}

	if res.Outcome == Missed {
		log.Infow("recipient not found or offline", "kind", kind, "sender", senderID, "recipient", recipientID, "err", res.Err)
	}
	return r.finish(ctx, senderID, res)
}

func (r *Router) finish(ctx context.Context, senderID string, res Result) Result {
	observability.IncRelayFrame(res.Kind.String(), res.Outcome.String())
	if res.Outcome == Missed {
		_ = observability.PublishEvent(ctx, observability.RoutingRelayEvents, observability.EventEnvelope{
			EventType: "relay",
			EventName: "relay_miss",
			Payload: map[string]string{
				"kind":      res.Kind.String(),
				"sender":    senderID,
				"recipient": res.RecipientID,
			},
		}, nil)
	}
	return res
}
