package gateway

import (
	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
)

// Disposition is what a policy does with messages of one status.
type Disposition struct {
	Eligible bool
	Event    EventKind
}

// Policy maps every verification status to a disposition for one downstream network.
type Policy struct {
	Name  string
	table map[relay.VerificationStatus]Disposition
}

// NewPolicy builds a policy from a complete status table.
func NewPolicy(name string, table map[relay.VerificationStatus]Disposition) Policy {
	return Policy{Name: name, table: table}
}

// Disposition looks up the disposition for status.
func (p Policy) Disposition(status relay.VerificationStatus) (Disposition, bool) {
	d, ok := p.table[status]
	return d, ok
}

var (
	// RoutingPolicy forwards only messages verified on chain.
	RoutingPolicy = NewPolicy("routing", map[relay.VerificationStatus]Disposition{
		relay.StatusNone:             {Event: EventUnfitForRouting},
		relay.StatusNotFound:         {Event: EventUnfitForRouting},
		relay.StatusFailedToVerify:   {Event: EventUnfitForRouting},
		relay.StatusInProgress:       {Event: EventUnfitForRouting},
		relay.StatusSucceededOnChain: {Eligible: true, Event: EventRouting},
		relay.StatusFailedOnChain:    {Event: EventUnfitForRouting},
	})

	// VerificationPolicy sends unverified messages to the verification network. Messages
	// already being verified are reported without being resent.
	VerificationPolicy = NewPolicy("verification", map[relay.VerificationStatus]Disposition{
		relay.StatusNone:             {Eligible: true, Event: EventVerifying},
		relay.StatusNotFound:         {Eligible: true, Event: EventVerifying},
		relay.StatusFailedToVerify:   {Eligible: true, Event: EventVerifying},
		relay.StatusInProgress:       {Event: EventVerifying},
		relay.StatusSucceededOnChain: {Event: EventAlreadyVerified},
		relay.StatusFailedOnChain:    {Event: EventAlreadyRejected},
	})
)

// Dispatch applies policy to each group and returns the eligible messages flattened in group
// order together with one event per input message, also in group order.
func Dispatch(groups []StatusGroup, policy Policy) ([]relay.Message, []Event, error) {
	var (
		eligible []relay.Message
		events   []Event
	)
	for _, group := range groups {
		d, ok := policy.Disposition(group.Status)
		if !ok {
			return nil, nil, ErrUnknownStatus
		}
		if d.Eligible {
			eligible = append(eligible, group.Messages...)
		}
		events = append(events, messagesIntoEvents(d.Event, group.Messages)...)
	}
	return eligible, events, nil
}

// CallKind names a directive the host executes on behalf of the gateway.
type CallKind string

const (
	CallRouteMessages        CallKind = "route_messages"
	CallVerifyMessages       CallKind = "verify_messages"
	CallSendPacket           CallKind = "send_packet"
	CallWriteAcknowledgement CallKind = "write_acknowledgement"
)

// Call is a downstream directive produced by one gateway invocation.
type Call struct {
	Kind     CallKind        `json:"kind"`
	Target   string          `json:"target,omitempty"`
	Messages []relay.Message `json:"messages,omitempty"`
	Packet   *relay.Packet   `json:"packet,omitempty"`
	Ack      []byte          `json:"ack,omitempty"`
}

// SendHandle is the directive returned by the transport host for a packet send or an
// acknowledgement write.
type SendHandle = Call

// Router is the routing network client bound to the router contract address.
type Router struct {
	Address string
}

// Route batches msgs into a single routing call. It returns nil for an empty batch.
func (r Router) Route(msgs []relay.Message) *Call {
	if len(msgs) == 0 {
		return nil
	}
	return &Call{Kind: CallRouteMessages, Target: r.Address, Messages: msgs}
}

// Verifier is the verification network client bound to the verifier address.
type Verifier struct {
	Address string
}

// Verify batches msgs into a single verification call. It returns nil for an empty batch.
func (v Verifier) Verify(msgs []relay.Message) *Call {
	if len(msgs) == 0 {
		return nil
	}
	return &Call{Kind: CallVerifyMessages, Target: v.Address, Messages: msgs}
}
