package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
)

func testPacket(t *testing.T, seq uint64, at time.Time) relay.Packet {
	t.Helper()
	timeout, err := relay.NewTimeout(relay.TimeoutBlock{Height: 10}, at)
	require.NoError(t, err)
	return relay.Packet{
		Sequence: seq,
		Src:      relay.Endpoint{PortID: "wasm.gw", ChannelID: "channel-0"},
		Dst:      relay.Endpoint{PortID: "xcall", ChannelID: "channel-7"},
		Data:     []byte{0xc0},
		Timeout:  timeout,
	}
}

func TestHost_SequenceAdvancesOnExecute(t *testing.T) {
	ctx := context.Background()
	h := New()
	later := time.Now().Add(time.Hour)

	seq, err := h.NextOutgoingSequence(ctx, "channel-7")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	first, err := h.DispatchPacket(ctx, testPacket(t, 1, later))
	require.NoError(t, err)
	second, err := h.DispatchPacket(ctx, testPacket(t, 2, later))
	require.NoError(t, err)

	seq, _ = h.NextOutgoingSequence(ctx, "channel-7")
	assert.Equal(t, uint64(1), seq, "dispatch alone must not advance the counter")

	require.NoError(t, h.Execute(ctx, []gateway.Call{first, second}))
	seq, _ = h.NextOutgoingSequence(ctx, "channel-7")
	assert.Equal(t, uint64(3), seq)
	assert.Len(t, h.Sent(), 2)
}

func TestHost_RejectsSequenceGap(t *testing.T) {
	ctx := context.Background()
	h := New()
	call, _ := h.DispatchPacket(ctx, testPacket(t, 2, time.Now().Add(time.Hour)))

	err := h.Execute(ctx, []gateway.Call{call})
	assert.ErrorIs(t, err, ErrSequenceMismatch)
	assert.Empty(t, h.Sent())
}

func TestHost_RejectsExpiredPacket(t *testing.T) {
	ctx := context.Background()
	h := New()
	now := time.Now()
	h.SetClock(func() time.Time { return now })
	h.SetHeight("channel-0", 20)

	call, _ := h.DispatchPacket(ctx, testPacket(t, 1, now.Add(-time.Second)))
	assert.ErrorIs(t, h.Execute(ctx, []gateway.Call{call}), ErrPacketExpired)

	// Height passed but the timestamp has not: still deliverable.
	call, _ = h.DispatchPacket(ctx, testPacket(t, 1, now.Add(time.Minute)))
	assert.NoError(t, h.Execute(ctx, []gateway.Call{call}))
}

func TestHost_FailNextAppliesNothing(t *testing.T) {
	ctx := context.Background()
	h := New()
	boom := errors.New("boom")
	h.FailNext(boom)

	call, _ := h.DispatchPacket(ctx, testPacket(t, 1, time.Now().Add(time.Hour)))
	assert.ErrorIs(t, h.Execute(ctx, []gateway.Call{call}), boom)
	assert.Empty(t, h.Sent())

	assert.NoError(t, h.Execute(ctx, []gateway.Call{call}))
	assert.Len(t, h.Sent(), 1)
}

func TestHost_RecordsRoutedAndAcks(t *testing.T) {
	ctx := context.Background()
	h := New()
	msg := relay.Message{CCID: relay.CrossChainID{Chain: "eth", ID: "1"}}
	ack, _ := h.WriteAcknowledgement(ctx, testPacket(t, 1, time.Now().Add(time.Hour)), []byte("ok"))

	err := h.Execute(ctx, []gateway.Call{
		{Kind: gateway.CallRouteMessages, Target: "router", Messages: []relay.Message{msg}},
		{Kind: gateway.CallVerifyMessages, Target: "verifier", Messages: []relay.Message{msg}},
		ack,
	})
	require.NoError(t, err)
	assert.Len(t, h.Routed(), 1)
	assert.Len(t, h.Verified(), 1)
	require.Len(t, h.Acks(), 1)
	assert.Equal(t, []byte("ok"), h.Acks()[0].Ack)

	assert.ErrorIs(t, h.Execute(ctx, []gateway.Call{{Kind: "bogus"}}), ErrUnknownCall)
}
