// Package codec implements the wire encoding of routed messages carried as transport
// packet data.
package codec

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed message encoding")

// wireVersion is prepended to every encoded message.
const wireVersion uint64 = 1

type wireCrossChainID struct {
	Chain string
	ID    string
}

type wireMessage struct {
	Version            uint64
	CCID               wireCrossChainID
	SourceAddress      string
	DestinationChain   string
	DestinationAddress string
	Payload            []byte
}

// EncodeMessage serializes msg to its RLP wire form.
func EncodeMessage(msg relay.Message) ([]byte, error) {
	w := wireMessage{
		Version:            wireVersion,
		CCID:               wireCrossChainID{Chain: msg.CCID.Chain, ID: msg.CCID.ID},
		SourceAddress:      msg.SourceAddress,
		DestinationChain:   msg.DestinationChain,
		DestinationAddress: msg.DestinationAddress,
		Payload:            msg.Payload,
	}
	data, err := rlp.EncodeToBytes(&w)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.CCID, err)
	}
	return data, nil
}

// DecodeMessage parses the RLP wire form. Trailing bytes, unknown versions and messages
// without a valid cross-chain id are rejected.
func DecodeMessage(data []byte) (relay.Message, error) {
	if len(data) == 0 {
		return relay.Message{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var w wireMessage
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return relay.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Version != wireVersion {
		return relay.Message{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, w.Version)
	}
	msg := relay.Message{
		CCID:               relay.CrossChainID{Chain: w.CCID.Chain, ID: w.CCID.ID},
		SourceAddress:      w.SourceAddress,
		DestinationChain:   w.DestinationChain,
		DestinationAddress: w.DestinationAddress,
		Payload:            w.Payload,
	}
	if err := msg.CCID.Validate(); err != nil {
		return relay.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}
