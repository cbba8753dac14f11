package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/relay_gateway/internal/codec"
	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

// Ack is the receipt acknowledgement returned to the transport for an inbound packet. It only
// says the packet was received; the routing outcome is reported through events.
type Ack []byte

// AckReceived is returned for every packet handed to the router.
var AckReceived = Ack{0x01}

// OnPacketReceived decodes an inbound packet and routes the message it carries.
func (g *Gateway) OnPacketReceived(ctx context.Context, packet relay.Packet) (Ack, Response, error) {
	msg, err := codec.DecodeMessage(packet.Data)
	if err != nil {
		return nil, Response{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	resp, err := g.run(ctx, "packet_receive", func(ctx context.Context, tx storage.Store) (Response, error) {
		addr, err := tx.RouterAddress(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Response{}, fmt.Errorf("%w: router address", ErrConfigNotFound)
			}
			return Response{}, err
		}
		return routeIncoming(Router{Address: addr}, []relay.Message{msg})
	})
	if err != nil {
		return nil, Response{}, err
	}

	g.log.WithField("channel_id", packet.Dst.ChannelID).
		WithField("sequence", packet.Sequence).
		WithField("cc_id", msg.CCID.String()).
		Debug("inbound packet routed")
	return AckReceived, resp, nil
}
