package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "beacon/shared/contracts/signaling/v1"
)

// Router resolves each inbound message to its audience, applies call-ledger
// side effects, and fans the frame out to the resolved connections.
//
// Failure policy:
//   - Validation, decode, and unknown-type problems are absorbed: the message
//     is dropped, the connection stays open.
//   - Ledger state-machine conflicts (unknown id, terminal record, id
//     collision) are logged and the message is dropped.
//   - Ledger storage failures are returned to the caller, which closes the
//     originating session with a server-error code. The call workflow cannot
//     proceed over an inconsistent ledger.
//   - A per-recipient send failure never aborts delivery to the remaining
//     recipients; a recipient observed dead is reaped from all indices.
type Router struct {
	log      *slog.Logger
	registry *Registry
	rooms    *Rooms
	ledger   CallLedger
	metrics  *Metrics
}

// NewRouter constructs a Router over shared registries and the call ledger.
func NewRouter(log *slog.Logger, registry *Registry, rooms *Rooms, ledger CallLedger, metrics *Metrics) *Router {
	return &Router{
		log:      log,
		registry: registry,
		rooms:    rooms,
		ledger:   ledger,
		metrics:  metrics,
	}
}

// Route processes one decoded message from origin. A non-nil error is fatal
// to the origin session; everything else is handled locally.
func (rt *Router) Route(ctx context.Context, origin *Client, msg v1.Message) error {
	if err := msg.Validate(); err != nil {
		if errors.Is(err, v1.ErrUnknownType) {
			rt.log.Info("relay.drop.unknown_type", "type", msg.Type, "from", msg.From)
			rt.metrics.Dropped.WithLabelValues(DropReasonUnknownType).Inc()
		} else {
			rt.log.Debug("relay.drop.invalid", "type", msg.Type, "err", err)
			rt.metrics.Dropped.WithLabelValues(DropReasonInvalid).Inc()
		}
		return nil
	}

	now := time.Now().UTC()

	switch {
	case msg.Type == v1.TypeJoin:
		rt.rooms.Join(msg.RoomID.String(), origin)
		return nil

	case v1.IsRelayType(msg.Type):
		rt.deliver(msg.Type, rt.relayAudience(msg, origin), msg.Encode())
		return nil

	case msg.Type == v1.TypeWebRTCOffer:
		_, err := rt.ledger.Create(ctx, CreateCallInput{
			CallID:    msg.CallID.String(),
			RoomID:    msg.RoomID.String(),
			Initiator: msg.From,
			Recipient: msg.To,
			Now:       now,
		})
		if err != nil {
			return rt.ledgerErr("create", msg, err)
		}
		rt.metrics.CallEvents.WithLabelValues("create").Inc()
		rt.deliver(msg.Type, rt.rooms.Peers(msg.RoomID.String(), origin), msg.Encode())
		return nil

	case msg.Type == v1.TypeWebRTCAnswer, msg.Type == v1.TypeWebRTCICE:
		rt.deliver(msg.Type, rt.directOrPeers(msg, origin), msg.Encode())
		return nil

	case msg.Type == v1.TypeWebRTCEnd:
		if _, err := rt.ledger.Finalize(ctx, msg.CallID.String(), CallFinished, now, clientDuration(msg)); err != nil {
			return rt.ledgerErr("finalize", msg, err)
		}
		rt.metrics.CallEvents.WithLabelValues("end").Inc()
		rt.deliver(msg.Type, rt.directOrPeers(msg, origin), msg.Encode())
		return nil

	case msg.Type == v1.TypeCallRequest:
		rec, err := rt.ledger.Create(ctx, CreateCallInput{
			CallID:    msg.CallID.String(),
			RoomID:    msg.RoomID.String(),
			Initiator: msg.From,
			Recipient: msg.To,
			Now:       now,
		})
		if err != nil {
			return rt.ledgerErr("create", msg, err)
		}
		rt.metrics.CallEvents.WithLabelValues("create").Inc()

		out, err := msg.WithCallID(rec.ID)
		if err != nil {
			rt.log.Warn("call.request.encode_fail", "call_id", rec.ID, "err", err)
			rt.metrics.Dropped.WithLabelValues(DropReasonInvalid).Inc()
			return nil
		}

		// Both parties receive the copy so the initiator learns the
		// assigned call id.
		audience := []*Client{origin}
		if recipient, ok := rt.registry.Lookup(msg.To); ok {
			audience = append(audience, recipient)
		}
		rt.deliver(msg.Type, dedupe(audience), out.Encode())
		return nil

	case msg.Type == v1.TypeCallAnswer:
		rec, err := rt.ledger.Transition(ctx, msg.CallID.String(), CallInProgress, now)
		if err != nil {
			return rt.ledgerErr("transition", msg, err)
		}
		rt.metrics.CallEvents.WithLabelValues("answer").Inc()
		rt.deliver(msg.Type, rt.initiatorAudience(msg, rec), msg.Encode())
		return nil

	case msg.Type == v1.TypeCallReject:
		rec, err := rt.ledger.Transition(ctx, msg.CallID.String(), CallCancelled, now)
		if err != nil {
			return rt.ledgerErr("transition", msg, err)
		}
		rt.metrics.CallEvents.WithLabelValues("reject").Inc()
		rt.deliver(msg.Type, rt.initiatorAudience(msg, rec), msg.Encode())
		return nil

	case msg.Type == v1.TypeCallEnd:
		rec, err := rt.ledger.Finalize(ctx, msg.CallID.String(), CallFinished, now, clientDuration(msg))
		if err != nil {
			return rt.ledgerErr("finalize", msg, err)
		}
		rt.metrics.CallEvents.WithLabelValues("end").Inc()

		// Both call participants learn the call ended, the sender included.
		var audience []*Client
		for _, identity := range []string{rec.Initiator, rec.Recipient} {
			if c, ok := rt.registry.Lookup(identity); ok {
				audience = append(audience, c)
			}
		}
		rt.deliver(msg.Type, dedupe(audience), msg.Encode())
		return nil
	}

	// Validate covers the whole vocabulary; anything else is unreachable.
	rt.log.Info("relay.drop.unknown_type", "type", msg.Type)
	rt.metrics.Dropped.WithLabelValues(DropReasonUnknownType).Inc()
	return nil
}

// relayAudience resolves the audience for plain relay types: direct to a
// registered "to", else the sender's room peers when room_id is present,
// else every other registered client.
func (rt *Router) relayAudience(msg v1.Message, origin *Client) []*Client {
	if msg.To != "" {
		if target, ok := rt.registry.Lookup(msg.To); ok {
			return []*Client{target}
		}
	}
	if !msg.RoomID.IsZero() {
		return rt.rooms.Peers(msg.RoomID.String(), origin)
	}
	return rt.registry.Others(origin)
}

// directOrPeers resolves WebRTC negotiation audiences: direct to a
// registered "to", falling back to the sender's room peers.
func (rt *Router) directOrPeers(msg v1.Message, origin *Client) []*Client {
	if msg.To != "" {
		if target, ok := rt.registry.Lookup(msg.To); ok {
			return []*Client{target}
		}
	}
	return rt.rooms.Peers(msg.RoomID.String(), origin)
}

// initiatorAudience resolves the call initiator for call_answer/call_reject:
// the "to" field when resolvable, else the ledger record's initiator.
func (rt *Router) initiatorAudience(msg v1.Message, rec CallRecord) []*Client {
	if msg.To != "" {
		if target, ok := rt.registry.Lookup(msg.To); ok {
			return []*Client{target}
		}
	}
	if target, ok := rt.registry.Lookup(rec.Initiator); ok {
		return []*Client{target}
	}
	return nil
}

// deliver fans payload out to audience. One recipient's failure never aborts
// the others: a dead recipient is reaped from all indices, a full queue is a
// backpressure drop for that recipient only.
func (rt *Router) deliver(msgType string, audience []*Client, payload []byte) {
	if len(payload) == 0 {
		return
	}

	delivered := false
	for _, c := range audience {
		if c == nil {
			continue
		}
		if c.Closed() {
			rt.metrics.SendFailures.Inc()
			rt.reap(c)
			continue
		}
		select {
		case c.Send <- payload:
			delivered = true
		default:
			rt.log.Info("relay.drop.backpressure", "type", msgType, "identity", c.Identity)
			rt.metrics.Dropped.WithLabelValues(DropReasonBackpressure).Inc()
		}
	}

	if delivered {
		rt.metrics.Relayed.WithLabelValues(msgType).Inc()
	}
}

// reap removes a dead client from the room index and, guarded, from the
// registry. The owning session's own cleanup is idempotent with this.
func (rt *Router) reap(c *Client) {
	rt.rooms.LeaveAll(c)
	if rt.registry.Unregister(c.Identity, c) {
		rt.log.Info("relay.reap", "identity", c.Identity, "session_id", c.SessionID)
	}
}

func (rt *Router) ledgerErr(event string, msg v1.Message, err error) error {
	if IsLedgerConflict(err) {
		rt.log.Warn("call."+event+".conflict", "type", msg.Type, "call_id", msg.CallID.String(), "err", err)
		rt.metrics.Dropped.WithLabelValues(DropReasonLedger).Inc()
		return nil
	}
	rt.log.Error("call."+event+".fail", "type", msg.Type, "call_id", msg.CallID.String(), "err", err)
	return fmt.Errorf("call %s: %w", event, err)
}

// clientDuration prefers a client-supplied duration, else asks the ledger to
// compute one from started_at.
func clientDuration(msg v1.Message) int64 {
	if msg.Duration > 0 {
		return msg.Duration
	}
	return DurationFromStart
}

func dedupe(clients []*Client) []*Client {
	if len(clients) < 2 {
		return clients
	}
	seen := make(map[*Client]struct{}, len(clients))
	out := clients[:0]
	for _, c := range clients {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
