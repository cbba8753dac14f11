// Package storage defines the persistence contracts of the gateway and the errors shared by
// every backend.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a create would overwrite an existing record.
	ErrAlreadyExists = errors.New("record already exists")
)

// ConfigStore holds operator-written connection configuration. The gateway core only reads it.
type ConfigStore interface {
	GetChannelConfig(ctx context.Context, nid relay.NetworkID) (relay.ChannelConfig, error)
	PutChannelConfig(ctx context.Context, cfg relay.ChannelConfig) error
	ListChannelConfigs(ctx context.Context) ([]relay.ChannelConfig, error)

	// CounterpartyNetworkID maps the chain of a message cc_id to the network it is sent through.
	CounterpartyNetworkID(ctx context.Context, chain string) (relay.NetworkID, error)
	SetCounterpartyNetworkID(ctx context.Context, chain string, nid relay.NetworkID) error

	RouterAddress(ctx context.Context) (string, error)
	SetRouterAddress(ctx context.Context, addr string) error
	VerifierAddress(ctx context.Context) (string, error)
	SetVerifierAddress(ctx context.Context, addr string) error
}

// PendingPacketStore holds outbound packets awaiting acknowledgement.
type PendingPacketStore interface {
	CreatePendingPacket(ctx context.Context, rec relay.PendingPacket) error
	GetPendingPacket(ctx context.Context, channelID string, sequence uint64) (relay.PendingPacket, error)
	DeletePendingPacket(ctx context.Context, channelID string, sequence uint64) error
	ListPendingPackets(ctx context.Context, channelID string) ([]relay.PendingPacket, error)
}

// OutgoingMessageStore keeps the messages handed to the transport, keyed by cross-chain id.
type OutgoingMessageStore interface {
	SaveOutgoingMessage(ctx context.Context, msg relay.Message) error
	GetOutgoingMessage(ctx context.Context, id relay.CrossChainID) (relay.Message, error)
}

// Store is the full capability handed to the gateway.
type Store interface {
	ConfigStore
	PendingPacketStore
	OutgoingMessageStore

	// Atomic runs fn against a view of the store whose writes are committed only when fn
	// returns nil.
	Atomic(ctx context.Context, fn func(tx Store) error) error
}
