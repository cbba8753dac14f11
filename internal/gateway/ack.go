package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

// Outcomes reported to Hooks.OnPacketResolved.
const (
	OutcomeAck     = "ack"
	OutcomeTimeout = "timeout"
)

// ResolveAck matches an acknowledgement to its pending packet, removes the record and
// dispatches the acknowledgement write. The payload is passed through uninterpreted.
func (g *Gateway) ResolveAck(ctx context.Context, channelID string, sequence uint64, ack []byte) (SendHandle, error) {
	var handle SendHandle
	_, err := g.run(ctx, "packet_ack", func(ctx context.Context, tx storage.Store) (Response, error) {
		rec, err := takePendingPacket(ctx, tx, channelID, sequence)
		if err != nil {
			return Response{}, err
		}
		handle, err = g.host.WriteAcknowledgement(ctx, rec.Packet, ack)
		if err != nil {
			return Response{}, err
		}
		return Response{Calls: []Call{handle}}, nil
	})
	if err != nil {
		return SendHandle{}, err
	}

	g.hooks.packetResolved(channelID, sequence, OutcomeAck)
	g.log.WithField("channel_id", channelID).WithField("sequence", sequence).Info("acknowledgement resolved")
	return handle, nil
}

// ResolveTimeout drops the pending packet the transport reported as timed out.
func (g *Gateway) ResolveTimeout(ctx context.Context, channelID string, sequence uint64) (relay.PendingPacket, error) {
	var rec relay.PendingPacket
	_, err := g.run(ctx, "packet_timeout", func(ctx context.Context, tx storage.Store) (Response, error) {
		var err error
		rec, err = takePendingPacket(ctx, tx, channelID, sequence)
		return Response{}, err
	})
	if err != nil {
		return relay.PendingPacket{}, err
	}

	g.hooks.packetResolved(channelID, sequence, OutcomeTimeout)
	g.log.WithField("channel_id", channelID).
		WithField("sequence", sequence).
		WithField("cc_id", rec.CCID.String()).
		Warn("packet timed out")
	return rec, nil
}

func takePendingPacket(ctx context.Context, tx storage.Store, channelID string, sequence uint64) (relay.PendingPacket, error) {
	rec, err := tx.GetPendingPacket(ctx, channelID, sequence)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return relay.PendingPacket{}, fmt.Errorf("%w: %s/%d", ErrUnknownPendingPacket, channelID, sequence)
		}
		return relay.PendingPacket{}, err
	}
	if err := tx.DeletePendingPacket(ctx, channelID, sequence); err != nil {
		return relay.PendingPacket{}, err
	}
	return rec, nil
}
