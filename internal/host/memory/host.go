// Package memory provides an in-process transport host. It owns per-channel sequence
// counters and block heights and applies gateway directives when they are executed, which
// makes it suitable for tests and single-node development setups.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
)

var (
	// ErrSequenceMismatch is returned when a send directive does not carry the next sequence
	// of its channel.
	ErrSequenceMismatch = errors.New("packet sequence does not match channel counter")
	// ErrPacketExpired is returned when a send directive carries a timeout already in the past.
	ErrPacketExpired = errors.New("packet timeout already expired")
	// ErrUnknownCall is returned for directives the host does not understand.
	ErrUnknownCall = errors.New("unknown call kind")
)

// DefaultHeight is the block height every channel starts at.
const DefaultHeight uint64 = 1

// Acknowledgement is a written acknowledgement.
type Acknowledgement struct {
	Packet relay.Packet
	Ack    []byte
}

// Host is a simulated transport host. It implements gateway.TransportHost and gateway.Executor.
type Host struct {
	mu       sync.Mutex
	next     map[string]uint64
	heights  map[string]uint64
	now      func() time.Time
	failNext error

	sent     []relay.Packet
	acks     []Acknowledgement
	routed   [][]relay.Message
	verified [][]relay.Message
}

var (
	_ gateway.TransportHost = (*Host)(nil)
	_ gateway.Executor      = (*Host)(nil)
)

// New creates a host with every channel at sequence 1 and height DefaultHeight.
func New() *Host {
	return &Host{
		next:    make(map[string]uint64),
		heights: make(map[string]uint64),
		now:     time.Now,
	}
}

// SetClock overrides the clock used to reject expired packets.
func (h *Host) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// SetHeight sets the current height reported for channelID.
func (h *Host) SetHeight(channelID string, height uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heights[channelID] = height
}

// FailNext makes the next Execute call fail with err without applying anything.
func (h *Host) FailNext(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext = err
}

// NextOutgoingSequence returns the sequence the next packet on channelID must carry.
func (h *Host) NextOutgoingSequence(ctx context.Context, channelID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextLocked(channelID), nil
}

// CurrentTimeoutHeight returns the current block height of channelID.
func (h *Host) CurrentTimeoutHeight(ctx context.Context, channelID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heightLocked(channelID), nil
}

// DispatchPacket returns the send directive for packet. Nothing happens until it is executed.
func (h *Host) DispatchPacket(_ context.Context, packet relay.Packet) (gateway.SendHandle, error) {
	p := packet
	return gateway.SendHandle{
		Kind:   gateway.CallSendPacket,
		Target: packet.Src.ChannelID,
		Packet: &p,
	}, nil
}

// WriteAcknowledgement returns the directive writing ack for packet.
func (h *Host) WriteAcknowledgement(_ context.Context, packet relay.Packet, ack []byte) (gateway.SendHandle, error) {
	p := packet
	return gateway.SendHandle{
		Kind:   gateway.CallWriteAcknowledgement,
		Target: packet.Dst.ChannelID,
		Packet: &p,
		Ack:    append([]byte(nil), ack...),
	}, nil
}

// Execute validates every call and then applies them together.
func (h *Host) Execute(ctx context.Context, calls []gateway.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.failNext; err != nil {
		h.failNext = nil
		return err
	}

	next := make(map[string]uint64)
	for _, call := range calls {
		switch call.Kind {
		case gateway.CallSendPacket:
			if call.Packet == nil {
				return fmt.Errorf("%w: send without packet", ErrUnknownCall)
			}
			p := call.Packet
			want, ok := next[p.Dst.ChannelID]
			if !ok {
				want = h.nextLocked(p.Dst.ChannelID)
			}
			if p.Sequence != want {
				return fmt.Errorf("%w: channel %s got %d want %d", ErrSequenceMismatch, p.Dst.ChannelID, p.Sequence, want)
			}
			if p.Timeout.Expired(h.heightLocked(p.Src.ChannelID), h.now()) {
				return fmt.Errorf("%w: %s/%d", ErrPacketExpired, p.Dst.ChannelID, p.Sequence)
			}
			next[p.Dst.ChannelID] = want + 1
		case gateway.CallWriteAcknowledgement:
			if call.Packet == nil {
				return fmt.Errorf("%w: acknowledgement without packet", ErrUnknownCall)
			}
		case gateway.CallRouteMessages, gateway.CallVerifyMessages:
		default:
			return fmt.Errorf("%w: %s", ErrUnknownCall, call.Kind)
		}
	}

	for channelID, seq := range next {
		h.next[channelID] = seq
	}
	for _, call := range calls {
		switch call.Kind {
		case gateway.CallSendPacket:
			h.sent = append(h.sent, *call.Packet)
		case gateway.CallWriteAcknowledgement:
			h.acks = append(h.acks, Acknowledgement{Packet: *call.Packet, Ack: call.Ack})
		case gateway.CallRouteMessages:
			h.routed = append(h.routed, call.Messages)
		case gateway.CallVerifyMessages:
			h.verified = append(h.verified, call.Messages)
		}
	}
	return nil
}

// Sent returns the packets sent so far.
func (h *Host) Sent() []relay.Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]relay.Packet(nil), h.sent...)
}

// Acks returns the acknowledgements written so far.
func (h *Host) Acks() []Acknowledgement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Acknowledgement(nil), h.acks...)
}

// Routed returns the message batches handed to the router.
func (h *Host) Routed() [][]relay.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]relay.Message(nil), h.routed...)
}

// Verified returns the message batches handed to the verifier.
func (h *Host) Verified() [][]relay.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]relay.Message(nil), h.verified...)
}

func (h *Host) nextLocked(channelID string) uint64 {
	if seq, ok := h.next[channelID]; ok {
		return seq
	}
	return 1
}

func (h *Host) heightLocked(channelID string) uint64 {
	if height, ok := h.heights[channelID]; ok {
		return height
	}
	return DefaultHeight
}
