package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/relay_gateway/internal/codec"
	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

// DefaultPacketTimeout is the wall-clock bound added to every outbound packet.
const DefaultPacketTimeout = 300 * time.Second

// builder assembles outbound packets and records them as pending.
type builder struct {
	host          TransportHost
	now           func() time.Time
	packetTimeout time.Duration
}

// sequencer hands out sequence numbers for the duration of one call. The first number of a
// channel comes from the host; later sends in the same call continue from it because the
// host only advances its counter once the send directives are executed.
type sequencer struct {
	host TransportHost
	next map[string]uint64
}

func newSequencer(host TransportHost) *sequencer {
	return &sequencer{host: host, next: make(map[string]uint64)}
}

func (s *sequencer) allocate(ctx context.Context, channelID string) (uint64, error) {
	seq, ok := s.next[channelID]
	if !ok {
		var err error
		seq, err = s.host.NextOutgoingSequence(ctx, channelID)
		if err != nil {
			return 0, fmt.Errorf("query next sequence on %s: %w", channelID, err)
		}
	}
	s.next[channelID] = seq + 1
	return seq, nil
}

func (b *builder) buildAndSend(ctx context.Context, tx storage.Store, seqs *sequencer, msg relay.Message, nid relay.NetworkID) (SendHandle, error) {
	cfg, err := tx.GetChannelConfig(ctx, nid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SendHandle{}, fmt.Errorf("%w: nid %s", ErrConfigNotFound, nid)
		}
		return SendHandle{}, err
	}

	sequence, err := seqs.allocate(ctx, cfg.Dst.ChannelID)
	if err != nil {
		return SendHandle{}, err
	}

	height, err := b.host.CurrentTimeoutHeight(ctx, cfg.Src.ChannelID)
	if err != nil {
		return SendHandle{}, fmt.Errorf("query timeout height on %s: %w", cfg.Src.ChannelID, err)
	}

	packet, err := b.createPacket(cfg, height, sequence, msg)
	if err != nil {
		return SendHandle{}, err
	}

	err = tx.CreatePendingPacket(ctx, relay.PendingPacket{
		ChannelID: cfg.Dst.ChannelID,
		Sequence:  sequence,
		CCID:      msg.CCID,
		Packet:    packet,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		return SendHandle{}, fmt.Errorf("record pending packet %s/%d: %w", cfg.Dst.ChannelID, sequence, err)
	}

	return b.host.DispatchPacket(ctx, packet)
}

func (b *builder) createPacket(cfg relay.ChannelConfig, hostHeight, sequence uint64, msg relay.Message) (relay.Packet, error) {
	data, err := codec.EncodeMessage(msg)
	if err != nil {
		return relay.Packet{}, err
	}

	height := hostHeight
	if cfg.TimeoutHeight > height {
		height = cfg.TimeoutHeight
	}
	timeout, err := relay.NewTimeout(relay.TimeoutBlock{Height: height}, b.now().Add(b.packetTimeout))
	if err != nil {
		return relay.Packet{}, fmt.Errorf("%w: %v", ErrInvalidTimeout, err)
	}

	return relay.Packet{
		Sequence: sequence,
		Src:      cfg.Src,
		Dst:      cfg.Dst,
		Data:     data,
		Timeout:  timeout,
	}, nil
}
