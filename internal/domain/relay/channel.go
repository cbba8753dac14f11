package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NetworkID identifies a counterparty network (nid).
type NetworkID string

// Endpoint is one side of a transport channel.
type Endpoint struct {
	PortID    string `json:"port_id" yaml:"port_id"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// ChannelConfig is the per-network connection record written by operators.
type ChannelConfig struct {
	NetworkID     NetworkID `json:"nid" yaml:"nid"`
	ConnectionID  string    `json:"connection_id" yaml:"connection_id"`
	Src           Endpoint  `json:"src" yaml:"src"`
	Dst           Endpoint  `json:"dst" yaml:"dst"`
	ClientID      string    `json:"client_id" yaml:"client_id"`
	TimeoutHeight uint64    `json:"timeout_height" yaml:"timeout_height"`
}

// Validate checks the fields the packet builder relies on.
func (c ChannelConfig) Validate() error {
	if strings.TrimSpace(string(c.NetworkID)) == "" {
		return errors.New("nid is required")
	}
	if c.Src.ChannelID == "" || c.Dst.ChannelID == "" {
		return fmt.Errorf("connection %s: source and destination channel ids are required", c.NetworkID)
	}
	if c.Dst.PortID == "" {
		return fmt.Errorf("connection %s: counterparty port id is required", c.NetworkID)
	}
	return nil
}

// TimeoutBlock is an absolute height bound on a given revision.
type TimeoutBlock struct {
	Revision uint64 `json:"revision"`
	Height   uint64 `json:"height"`
}

// ErrIncompleteTimeout is returned by NewTimeout when a bound is missing.
var ErrIncompleteTimeout = errors.New("timeout requires both a block height and a timestamp")

// Timeout carries both the height and the wall-clock bound of a packet.
// A packet is considered timed out only once the later of the two bounds has passed.
type Timeout struct {
	Block     TimeoutBlock `json:"block"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewTimeout builds a timeout carrying both bounds.
func NewTimeout(block TimeoutBlock, at time.Time) (Timeout, error) {
	if block.Height == 0 || at.IsZero() {
		return Timeout{}, ErrIncompleteTimeout
	}
	return Timeout{Block: block, Timestamp: at.UTC()}, nil
}

// Expired reports whether both bounds lie in the past relative to height and now.
func (t Timeout) Expired(height uint64, now time.Time) bool {
	return height >= t.Block.Height && !now.Before(t.Timestamp)
}

// Packet is a sequence-numbered transport packet.
type Packet struct {
	Sequence uint64   `json:"sequence"`
	Src      Endpoint `json:"src"`
	Dst      Endpoint `json:"dst"`
	Data     []byte   `json:"data"`
	Timeout  Timeout  `json:"timeout"`
}

// PendingPacket is the record kept for an outbound packet until its acknowledgement or
// timeout is resolved. At most one exists per (ChannelID, Sequence).
type PendingPacket struct {
	ChannelID string       `json:"channel_id"`
	Sequence  uint64       `json:"sequence"`
	CCID      CrossChainID `json:"cc_id"`
	Packet    Packet       `json:"packet"`
	CreatedAt time.Time    `json:"created_at"`
}

// PacketKey identifies a pending packet.
type PacketKey struct {
	ChannelID string
	Sequence  uint64
}

// Key returns the (channel, sequence) key of the record.
func (p PendingPacket) Key() PacketKey {
	return PacketKey{ChannelID: p.ChannelID, Sequence: p.Sequence}
}

func (k PacketKey) String() string {
	return fmt.Sprintf("%s/%d", k.ChannelID, k.Sequence)
}
