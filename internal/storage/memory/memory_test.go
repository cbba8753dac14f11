package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

func pending(channel string, seq uint64) relay.PendingPacket {
	return relay.PendingPacket{
		ChannelID: channel,
		Sequence:  seq,
		CCID:      relay.CrossChainID{Chain: "ethereum", ID: "1"},
		Packet:    relay.Packet{Sequence: seq, Dst: relay.Endpoint{ChannelID: channel}},
	}
}

func TestPendingPacketLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreatePendingPacket(ctx, pending("channel-1", 1)))
	assert.ErrorIs(t, s.CreatePendingPacket(ctx, pending("channel-1", 1)), storage.ErrAlreadyExists)

	rec, err := s.GetPendingPacket(ctx, "channel-1", 1)
	require.NoError(t, err)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, s.DeletePendingPacket(ctx, "channel-1", 1))
	_, err = s.GetPendingPacket(ctx, "channel-1", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeletePendingPacket(ctx, "channel-1", 1), storage.ErrNotFound)
}

func TestListPendingPacketsOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, p := range []relay.PendingPacket{pending("channel-2", 1), pending("channel-1", 3), pending("channel-1", 2)} {
		require.NoError(t, s.CreatePendingPacket(ctx, p))
	}

	all, err := s.ListPendingPackets(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, relay.PacketKey{ChannelID: "channel-1", Sequence: 2}, all[0].Key())
	assert.Equal(t, relay.PacketKey{ChannelID: "channel-2", Sequence: 1}, all[2].Key())

	one, err := s.ListPendingPackets(ctx, "channel-2")
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestCounterpartyLookupIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.SetCounterpartyNetworkID(ctx, "Archway", "archway-nid"))
	nid, err := s.CounterpartyNetworkID(ctx, "archway")
	require.NoError(t, err)
	assert.Equal(t, relay.NetworkID("archway-nid"), nid)

	_, err = s.CounterpartyNetworkID(ctx, "osmosis")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreatePendingPacket(ctx, pending("channel-1", 1)))

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.CreatePendingPacket(ctx, pending("channel-1", 2)))
		require.NoError(t, tx.DeletePendingPacket(ctx, "channel-1", 1))
		require.NoError(t, tx.SaveOutgoingMessage(ctx, relay.Message{CCID: relay.CrossChainID{Chain: "a", ID: "b"}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetPendingPacket(ctx, "channel-1", 1)
	assert.NoError(t, err)
	_, err = s.GetPendingPacket(ctx, "channel-1", 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetOutgoingMessage(ctx, relay.CrossChainID{Chain: "a", ID: "b"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomicCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Atomic(ctx, func(tx storage.Store) error {
		return tx.CreatePendingPacket(ctx, pending("channel-1", 7))
	})
	require.NoError(t, err)

	_, err = s.GetPendingPacket(ctx, "channel-1", 7)
	assert.NoError(t, err)
}

func TestAtomicRollbackKeepsDirectWrites(t *testing.T) {
	ctx := context.Background()
	s := New()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.SetCounterpartyNetworkID(ctx, "ethereum", "tx-nid"))
		require.NoError(t, tx.CreatePendingPacket(ctx, pending("channel-1", 1)))

		// Committed while the transaction is still open.
		require.NoError(t, s.SetCounterpartyNetworkID(ctx, "osmosis", "osmosis-nid"))
		require.NoError(t, s.SetRouterAddress(ctx, "router-1"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	nid, err := s.CounterpartyNetworkID(ctx, "osmosis")
	require.NoError(t, err)
	assert.Equal(t, relay.NetworkID("osmosis-nid"), nid)
	addr, err := s.RouterAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, "router-1", addr)

	_, err = s.CounterpartyNetworkID(ctx, "ethereum")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetPendingPacket(ctx, "channel-1", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomicWritesInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreatePendingPacket(ctx, pending("channel-1", 1)))

	err := s.Atomic(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.PutChannelConfig(ctx, relay.ChannelConfig{NetworkID: "archway"}))
		require.NoError(t, tx.CreatePendingPacket(ctx, pending("channel-1", 2)))
		require.NoError(t, tx.DeletePendingPacket(ctx, "channel-1", 1))

		// The transaction sees its own writes.
		recs, err := tx.ListPendingPackets(ctx, "channel-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, uint64(2), recs[0].Sequence)
		assert.ErrorIs(t, tx.DeletePendingPacket(ctx, "channel-1", 1), storage.ErrNotFound)

		// Nobody else does yet.
		_, err = s.GetChannelConfig(ctx, "archway")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetPendingPacket(ctx, "channel-1", 1)
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	_, err = s.GetChannelConfig(ctx, "archway")
	assert.NoError(t, err)
	recs, err := s.ListPendingPackets(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].Sequence)
}

func TestNestedAtomicDiscardsOnlyInnerWrites(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Atomic(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.SetRouterAddress(ctx, "outer"))
		inner := tx.Atomic(ctx, func(tx storage.Store) error {
			require.NoError(t, tx.SetRouterAddress(ctx, "inner"))
			require.NoError(t, tx.CreatePendingPacket(ctx, pending("channel-1", 9)))
			return errors.New("inner failed")
		})
		assert.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	addr, err := s.RouterAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, "outer", addr)
	_, err = s.GetPendingPacket(ctx, "channel-1", 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
