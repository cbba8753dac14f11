// Package gateway implements the relay core: it classifies messages from the verification
// and routing network, turns outgoing messages into sequenced transport packets and resolves
// the acknowledgements the transport reports back.
//
// Every exported operation is one atomic call: it runs under the configured Serializer inside
// a storage transaction, and the directives it produces are executed before the transaction
// commits. A failure anywhere leaves no records behind.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

// Response is the externally visible result of a gateway call.
type Response struct {
	Calls  []Call  `json:"calls"`
	Events []Event `json:"events"`
}

// Hooks are optional observers invoked after a call commits.
type Hooks struct {
	OnEvents         func(ctx context.Context, op string, events []Event)
	OnCall           func(op string, duration time.Duration, err error)
	OnPacketSent     func(packet relay.Packet)
	OnPacketResolved func(channelID string, sequence uint64, outcome string)
}

func (h Hooks) events(ctx context.Context, op string, events []Event) {
	if h.OnEvents != nil && len(events) > 0 {
		h.OnEvents(ctx, op, events)
	}
}

func (h Hooks) call(op string, d time.Duration, err error) {
	if h.OnCall != nil {
		h.OnCall(op, d, err)
	}
}

func (h Hooks) packetSent(calls []Call) {
	if h.OnPacketSent == nil {
		return
	}
	for _, c := range calls {
		if c.Kind == CallSendPacket && c.Packet != nil {
			h.OnPacketSent(*c.Packet)
		}
	}
}

func (h Hooks) packetResolved(channelID string, sequence uint64, outcome string) {
	if h.OnPacketResolved != nil {
		h.OnPacketResolved(channelID, sequence, outcome)
	}
}

// CombineHooks fans every notification out to each of hooks in order.
func CombineHooks(hooks ...Hooks) Hooks {
	return Hooks{
		OnEvents: func(ctx context.Context, op string, events []Event) {
			for _, h := range hooks {
				h.events(ctx, op, events)
			}
		},
		OnCall: func(op string, d time.Duration, err error) {
			for _, h := range hooks {
				h.call(op, d, err)
			}
		},
		OnPacketSent: func(packet relay.Packet) {
			for _, h := range hooks {
				if h.OnPacketSent != nil {
					h.OnPacketSent(packet)
				}
			}
		},
		OnPacketResolved: func(channelID string, sequence uint64, outcome string) {
			for _, h := range hooks {
				h.packetResolved(channelID, sequence, outcome)
			}
		},
	}
}

// Gateway wires the classification engine and the packet lifecycle to their collaborators.
type Gateway struct {
	store      storage.Store
	host       TransportHost
	exec       Executor
	serializer Serializer
	builder    *builder
	hooks      Hooks
	log        *logger.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithClock overrides the wall clock used for packet timeouts.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.builder.now = now
		}
	}
}

// WithPacketTimeout sets the relative wall-clock bound of outbound packets.
func WithPacketTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.builder.packetTimeout = d
		}
	}
}

// WithSerializer replaces the in-process call lock.
func WithSerializer(s Serializer) Option {
	return func(g *Gateway) {
		if s != nil {
			g.serializer = s
		}
	}
}

// WithHooks installs observers.
func WithHooks(h Hooks) Option {
	return func(g *Gateway) {
		g.hooks = h
	}
}

// New creates a gateway.
func New(store storage.Store, host TransportHost, exec Executor, opts ...Option) *Gateway {
	g := &Gateway{
		store:      store,
		host:       host,
		exec:       exec,
		serializer: &LocalSerializer{},
		builder: &builder{
			host:          host,
			now:           time.Now,
			packetTimeout: DefaultPacketTimeout,
		},
		log: logger.NewDefault("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RouteIncomingMessages forwards messages that arrived through the transport to the router.
// They came from the routing network's counterpart and are treated as verified.
func (g *Gateway) RouteIncomingMessages(ctx context.Context, router Router, msgs []relay.Message) (Response, error) {
	return g.run(ctx, "route_incoming", func(ctx context.Context, _ storage.Store) (Response, error) {
		return routeIncoming(router, msgs)
	})
}

func routeIncoming(router Router, msgs []relay.Message) (Response, error) {
	msgs, err := CheckDuplicates(msgs)
	if err != nil {
		return Response{}, err
	}
	groups := []StatusGroup{{Status: relay.StatusSucceededOnChain, Messages: msgs}}
	return dispatchTo(groups, RoutingPolicy, router.Route)
}

// RouteMessages runs routing-mode dispatch over messages tagged by the verification network.
func (g *Gateway) RouteMessages(ctx context.Context, router Router, msgs []relay.StatusedMessage) (Response, error) {
	return g.run(ctx, "route_messages", func(ctx context.Context, _ storage.Store) (Response, error) {
		groups, err := classify(msgs)
		if err != nil {
			return Response{}, err
		}
		return dispatchTo(groups, RoutingPolicy, router.Route)
	})
}

// VerifyMessages sends unverified messages to the verification network and reports the
// disposition of every message.
func (g *Gateway) VerifyMessages(ctx context.Context, verifier Verifier, msgs []relay.StatusedMessage) (Response, error) {
	return g.run(ctx, "verify_messages", func(ctx context.Context, _ storage.Store) (Response, error) {
		groups, err := classify(msgs)
		if err != nil {
			return Response{}, err
		}
		return dispatchTo(groups, VerificationPolicy, verifier.Verify)
	})
}

func classify(msgs []relay.StatusedMessage) ([]StatusGroup, error) {
	if _, err := CheckDuplicates(messagesOf(msgs)); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if !m.Status.Valid() {
			return nil, fmt.Errorf("%w: %d for %s", ErrUnknownStatus, int(m.Status), m.Message.CCID)
		}
	}
	return GroupByStatus(msgs), nil
}

func dispatchTo(groups []StatusGroup, policy Policy, downstream func([]relay.Message) *Call) (Response, error) {
	eligible, events, err := Dispatch(groups, policy)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Events: events}
	if call := downstream(eligible); call != nil {
		resp.Calls = append(resp.Calls, *call)
	}
	return resp, nil
}

// RouteOutgoingMessages sends messages handed over by the router through the transport, one
// packet per message.
func (g *Gateway) RouteOutgoingMessages(ctx context.Context, msgs []relay.Message) (Response, error) {
	return g.run(ctx, "route_outgoing", func(ctx context.Context, tx storage.Store) (Response, error) {
		msgs, err := CheckDuplicates(msgs)
		if err != nil {
			return Response{}, err
		}

		seqs := newSequencer(g.host)
		resp := Response{
			Calls:  make([]Call, 0, len(msgs)),
			Events: make([]Event, 0, len(msgs)),
		}
		for _, msg := range msgs {
			handle, err := g.sendOne(ctx, tx, seqs, msg)
			if err != nil {
				return Response{}, err
			}
			resp.Calls = append(resp.Calls, handle)
			resp.Events = append(resp.Events, NewEvent(EventRouting, msg))
		}
		return resp, nil
	})
}

// BuildAndSend sends a single message through the transport.
func (g *Gateway) BuildAndSend(ctx context.Context, msg relay.Message) (SendHandle, error) {
	resp, err := g.run(ctx, "build_and_send", func(ctx context.Context, tx storage.Store) (Response, error) {
		handle, err := g.sendOne(ctx, tx, newSequencer(g.host), msg)
		if err != nil {
			return Response{}, err
		}
		return Response{Calls: []Call{handle}}, nil
	})
	if err != nil {
		return SendHandle{}, err
	}
	return resp.Calls[0], nil
}

func (g *Gateway) sendOne(ctx context.Context, tx storage.Store, seqs *sequencer, msg relay.Message) (SendHandle, error) {
	if err := msg.Validate(); err != nil {
		return SendHandle{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	nid, err := counterpartyNetworkID(ctx, tx, msg.CCID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SendHandle{}, fmt.Errorf("%w: no network for cc_id %s", ErrConfigNotFound, msg.CCID)
		}
		return SendHandle{}, err
	}
	if err := tx.SaveOutgoingMessage(ctx, msg); err != nil {
		return SendHandle{}, fmt.Errorf("save outgoing message %s: %w", msg.CCID, err)
	}
	return g.builder.buildAndSend(ctx, tx, seqs, msg, nid)
}

// counterpartyNetworkID resolves the network a message is sent through from the chain
// named in its cc_id.
func counterpartyNetworkID(ctx context.Context, tx storage.Store, id relay.CrossChainID) (relay.NetworkID, error) {
	return tx.CounterpartyNetworkID(ctx, id.Chain)
}

// run executes fn as one atomic call and notifies hooks once it has committed.
func (g *Gateway) run(ctx context.Context, op string, fn func(ctx context.Context, tx storage.Store) (Response, error)) (Response, error) {
	start := time.Now()
	var resp Response
	err := g.serializer.Serialize(ctx, func(ctx context.Context) error {
		return g.store.Atomic(ctx, func(tx storage.Store) error {
			var err error
			resp, err = fn(ctx, tx)
			if err != nil {
				return err
			}
			if len(resp.Calls) == 0 {
				return nil
			}
			if err := g.exec.Execute(ctx, resp.Calls); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrDirectivesFailed, op, err)
			}
			return nil
		})
	})
	g.hooks.call(op, time.Since(start), err)
	if err != nil {
		g.log.WithError(err).WithField("op", op).Warn("gateway call failed")
		return Response{}, err
	}

	g.hooks.packetSent(resp.Calls)
	g.hooks.events(ctx, op, resp.Events)
	g.log.WithField("op", op).
		WithField("calls", len(resp.Calls)).
		WithField("events", len(resp.Events)).
		Debug("gateway call committed")
	return resp, nil
}
