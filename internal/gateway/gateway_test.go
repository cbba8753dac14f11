package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/relay_gateway/internal/codec"
	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
	memhost "github.com/R3E-Network/relay_gateway/internal/host/memory"
	"github.com/R3E-Network/relay_gateway/internal/storage"
	"github.com/R3E-Network/relay_gateway/internal/storage/memory"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	gw    *gateway.Gateway
	store *memory.Store
	host  *memhost.Host
}

func newFixture(t *testing.T, opts ...gateway.Option) fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, store.PutChannelConfig(ctx, relay.ChannelConfig{
		NetworkID:     "0x2.icon",
		ConnectionID:  "connection-0",
		Src:           relay.Endpoint{PortID: "wasm.gateway", ChannelID: "channel-0"},
		Dst:           relay.Endpoint{PortID: "xcall", ChannelID: "channel-7"},
		ClientID:      "07-tendermint-0",
		TimeoutHeight: 100,
	}))
	require.NoError(t, store.SetCounterpartyNetworkID(ctx, "ethereum", "0x2.icon"))
	require.NoError(t, store.SetRouterAddress(ctx, "router"))

	host := memhost.New()
	host.SetClock(func() time.Time { return fixedNow })

	opts = append([]gateway.Option{
		gateway.WithLogger(logger.NewDiscard("gateway")),
		gateway.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return fixture{
		gw:    gateway.New(store, host, host, opts...),
		store: store,
		host:  host,
	}
}

func msg(id string) relay.Message {
	return relay.Message{
		CCID:               relay.CrossChainID{Chain: "ethereum", ID: id},
		SourceAddress:      "0xsource",
		DestinationChain:   "icon",
		DestinationAddress: "hx0001",
		Payload:            []byte(id),
	}
}

func statused(id string, status relay.VerificationStatus) relay.StatusedMessage {
	return relay.StatusedMessage{Message: msg(id), Status: status}
}

func eventNames(events []gateway.Event) map[string]string {
	out := make(map[string]string, len(events))
	for _, e := range events {
		out[e.CCID.String()] = e.Name
	}
	return out
}

func TestRouteMessages_SplitsByStatus(t *testing.T) {
	f := newFixture(t)

	resp, err := f.gw.RouteMessages(context.Background(), gateway.Router{Address: "router"}, []relay.StatusedMessage{
		statused("1", relay.StatusSucceededOnChain),
		statused("2", relay.StatusFailedOnChain),
	})
	require.NoError(t, err)

	require.Len(t, resp.Events, 2)
	assert.Equal(t, map[string]string{
		"ethereum:1": "routing",
		"ethereum:2": "unfit_for_routing",
	}, eventNames(resp.Events))

	require.Len(t, resp.Calls, 1)
	assert.Equal(t, gateway.CallRouteMessages, resp.Calls[0].Kind)
	assert.Equal(t, []relay.Message{msg("1")}, resp.Calls[0].Messages)
	assert.Equal(t, [][]relay.Message{{msg("1")}}, f.host.Routed())
}

func TestRouteMessages_RoutabilityLaw(t *testing.T) {
	f := newFixture(t)

	var batch []relay.StatusedMessage
	for i, status := range relay.AllStatuses() {
		batch = append(batch, statused(string(rune('a'+i)), status))
	}

	resp, err := f.gw.RouteMessages(context.Background(), gateway.Router{Address: "router"}, batch)
	require.NoError(t, err)

	// Every input message yields exactly one event.
	require.Len(t, resp.Events, len(batch))
	names := eventNames(resp.Events)
	require.Len(t, names, len(batch))

	var routed []relay.Message
	for _, m := range batch {
		if m.Status == relay.StatusSucceededOnChain {
			routed = append(routed, m.Message)
			assert.Equal(t, "routing", names[m.Message.CCID.String()])
		} else {
			assert.Equal(t, "unfit_for_routing", names[m.Message.CCID.String()])
		}
	}
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, routed, resp.Calls[0].Messages)
}

func TestRouteMessages_NothingRoutable(t *testing.T) {
	f := newFixture(t)

	resp, err := f.gw.RouteMessages(context.Background(), gateway.Router{Address: "router"}, []relay.StatusedMessage{
		statused("1", relay.StatusInProgress),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Calls)
	assert.Len(t, resp.Events, 1)
	assert.Empty(t, f.host.Routed())
}

func TestRouteMessages_Duplicates(t *testing.T) {
	var seen []gateway.Event
	f := newFixture(t, gateway.WithHooks(gateway.Hooks{
		OnEvents: func(_ context.Context, _ string, events []gateway.Event) { seen = append(seen, events...) },
	}))

	resp, err := f.gw.RouteMessages(context.Background(), gateway.Router{Address: "router"}, []relay.StatusedMessage{
		statused("1", relay.StatusSucceededOnChain),
		statused("1", relay.StatusFailedOnChain),
	})
	require.ErrorIs(t, err, gateway.ErrDuplicateMessageIDs)

	var dupErr *gateway.DuplicateMessageIDsError
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, []string{"ethereum:1"}, dupErr.IDs)

	assert.Empty(t, resp.Events)
	assert.Empty(t, resp.Calls)
	assert.Empty(t, seen)
	assert.Empty(t, f.host.Routed())
}

func TestRouteMessages_UnknownStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.RouteMessages(context.Background(), gateway.Router{Address: "router"}, []relay.StatusedMessage{
		statused("1", relay.VerificationStatus(42)),
	})
	assert.ErrorIs(t, err, gateway.ErrUnknownStatus)
}

func TestVerifyMessages(t *testing.T) {
	f := newFixture(t)

	resp, err := f.gw.VerifyMessages(context.Background(), gateway.Verifier{Address: "verifier"}, []relay.StatusedMessage{
		statused("1", relay.StatusNone),
		statused("2", relay.StatusInProgress),
		statused("3", relay.StatusSucceededOnChain),
		statused("4", relay.StatusFailedOnChain),
		statused("5", relay.StatusFailedToVerify),
		statused("6", relay.StatusNotFound),
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"ethereum:1": "verifying",
		"ethereum:2": "verifying",
		"ethereum:3": "already_verified",
		"ethereum:4": "already_rejected",
		"ethereum:5": "verifying",
		"ethereum:6": "verifying",
	}, eventNames(resp.Events))

	require.Len(t, resp.Calls, 1)
	assert.Equal(t, gateway.CallVerifyMessages, resp.Calls[0].Kind)
	assert.Equal(t, "verifier", resp.Calls[0].Target)
	assert.ElementsMatch(t, []relay.Message{msg("1"), msg("5"), msg("6")}, resp.Calls[0].Messages)
	assert.Len(t, f.host.Verified(), 1)
}

func TestRouteIncomingMessages(t *testing.T) {
	f := newFixture(t)

	resp, err := f.gw.RouteIncomingMessages(context.Background(), gateway.Router{Address: "router"}, []relay.Message{msg("1"), msg("2")})
	require.NoError(t, err)
	require.Len(t, resp.Calls, 1)
	assert.Len(t, resp.Calls[0].Messages, 2)
	for _, e := range resp.Events {
		assert.Equal(t, gateway.EventRouting, e.Kind)
	}

	_, err = f.gw.RouteIncomingMessages(context.Background(), gateway.Router{Address: "router"}, []relay.Message{msg("1"), msg("1")})
	assert.ErrorIs(t, err, gateway.ErrDuplicateMessageIDs)
}

func TestBuildAndSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.host.SetHeight("channel-0", 40)

	handle, err := f.gw.BuildAndSend(ctx, msg("1"))
	require.NoError(t, err)
	require.Equal(t, gateway.CallSendPacket, handle.Kind)
	require.NotNil(t, handle.Packet)

	p := handle.Packet
	assert.Equal(t, uint64(1), p.Sequence)
	assert.Equal(t, "channel-0", p.Src.ChannelID)
	assert.Equal(t, "channel-7", p.Dst.ChannelID)
	// The configured height wins over the lower host height.
	assert.Equal(t, uint64(100), p.Timeout.Block.Height)
	assert.Equal(t, fixedNow.Add(gateway.DefaultPacketTimeout), p.Timeout.Timestamp)

	decoded, err := codec.DecodeMessage(p.Data)
	require.NoError(t, err)
	assert.Equal(t, msg("1"), decoded)

	rec, err := f.store.GetPendingPacket(ctx, "channel-7", 1)
	require.NoError(t, err)
	assert.Equal(t, msg("1").CCID, rec.CCID)

	stored, err := f.store.GetOutgoingMessage(ctx, msg("1").CCID)
	require.NoError(t, err)
	assert.Equal(t, msg("1"), stored)
}

func TestBuildAndSend_HostHeightWins(t *testing.T) {
	f := newFixture(t, gateway.WithPacketTimeout(time.Minute))
	f.host.SetHeight("channel-0", 500)

	handle, err := f.gw.BuildAndSend(context.Background(), msg("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(500), handle.Packet.Timeout.Block.Height)
	assert.Equal(t, fixedNow.Add(time.Minute), handle.Packet.Timeout.Timestamp)
}

func TestBuildAndSend_SequencesIncrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var last uint64
	for i := 0; i < 5; i++ {
		handle, err := f.gw.BuildAndSend(ctx, msg(string(rune('a'+i))))
		require.NoError(t, err)
		assert.Greater(t, handle.Packet.Sequence, last)
		last = handle.Packet.Sequence
	}

	pending, err := f.store.ListPendingPackets(ctx, "channel-7")
	require.NoError(t, err)
	assert.Len(t, pending, 5)
}

func TestBuildAndSend_ConfigNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetCounterpartyNetworkID(ctx, "stellar", "0x9.stellar"))

	// Mapped network without a channel config.
	m := msg("1")
	m.CCID.Chain = "stellar"
	_, err := f.gw.BuildAndSend(ctx, m)
	require.ErrorIs(t, err, gateway.ErrConfigNotFound)

	pending, err := f.store.ListPendingPackets(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, f.host.Sent())

	// Unmapped cc_id chain.
	m.CCID.Chain = "unknown"
	_, err = f.gw.BuildAndSend(ctx, m)
	assert.ErrorIs(t, err, gateway.ErrConfigNotFound)
}

func TestBuildAndSend_ResolvesNetworkFromCCID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Only the cc_id chain is mapped; the destination chain plays no part in the lookup.
	m := msg("1")
	m.DestinationChain = "osmosis"
	handle, err := f.gw.BuildAndSend(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "channel-7", handle.Packet.Dst.ChannelID)

	_, err = f.store.CounterpartyNetworkID(ctx, "osmosis")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBuildAndSend_InvalidMessage(t *testing.T) {
	m := msg("1")
	m.DestinationChain = ""
	_, err := newFixture(t).gw.BuildAndSend(context.Background(), m)
	assert.ErrorIs(t, err, gateway.ErrInvalidMessage)
}

func TestRouteOutgoingMessages_Batch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.gw.RouteOutgoingMessages(ctx, []relay.Message{msg("1"), msg("2"), msg("3")})
	require.NoError(t, err)
	require.Len(t, resp.Calls, 3)
	for i, call := range resp.Calls {
		assert.Equal(t, uint64(i+1), call.Packet.Sequence)
	}
	assert.Len(t, resp.Events, 3)
	assert.Len(t, f.host.Sent(), 3)

	next, err := f.host.NextOutgoingSequence(ctx, "channel-7")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)
}

func TestRouteOutgoingMessages_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bad := msg("2")
	bad.CCID.Chain = "nowhere"
	_, err := f.gw.RouteOutgoingMessages(ctx, []relay.Message{msg("1"), bad})
	require.ErrorIs(t, err, gateway.ErrConfigNotFound)

	pending, err := f.store.ListPendingPackets(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = f.store.GetOutgoingMessage(ctx, msg("1").CCID)
	assert.Error(t, err)
}

func TestExecutorFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("host unavailable")
	f.host.FailNext(boom)

	_, err := f.gw.BuildAndSend(ctx, msg("1"))
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, gateway.ErrDirectivesFailed)

	pending, err := f.store.ListPendingPackets(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The sequence was never consumed.
	handle, err := f.gw.BuildAndSend(ctx, msg("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), handle.Packet.Sequence)
}

func TestExecutorFailureKeepsConcurrentConfigWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	exec := gateway.ExecutorFunc(func(ctx context.Context, calls []gateway.Call) error {
		close(entered)
		<-release
		return errors.New("host down")
	})
	gw := gateway.New(f.store, f.host, exec,
		gateway.WithLogger(logger.NewDiscard("gateway")),
		gateway.WithClock(func() time.Time { return fixedNow }))

	errc := make(chan error, 1)
	go func() {
		_, err := gw.RouteOutgoingMessages(ctx, []relay.Message{msg("1")})
		errc <- err
	}()

	<-entered
	require.NoError(t, f.store.SetCounterpartyNetworkID(ctx, "osmosis", "osmosis-1"))
	close(release)
	require.ErrorIs(t, <-errc, gateway.ErrDirectivesFailed)

	nid, err := f.store.CounterpartyNetworkID(ctx, "osmosis")
	require.NoError(t, err)
	assert.Equal(t, relay.NetworkID("osmosis-1"), nid)

	_, err = f.store.GetOutgoingMessage(ctx, msg("1").CCID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOnPacketReceived(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	data, err := codec.EncodeMessage(msg("9"))
	require.NoError(t, err)

	ack, resp, err := f.gw.OnPacketReceived(ctx, relay.Packet{Sequence: 3, Data: data})
	require.NoError(t, err)
	assert.Equal(t, gateway.AckReceived, ack)
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, "router", resp.Calls[0].Target)
	assert.Equal(t, []relay.Message{msg("9")}, resp.Calls[0].Messages)
}

func TestOnPacketReceived_DecodeError(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.gw.OnPacketReceived(context.Background(), relay.Packet{Data: []byte("not rlp at all")})
	assert.ErrorIs(t, err, gateway.ErrDecode)
	assert.Empty(t, f.host.Routed())
}

func TestOnPacketReceived_NoRouter(t *testing.T) {
	host := memhost.New()
	gw := gateway.New(memory.New(), host, host, gateway.WithLogger(logger.NewDiscard("gateway")))

	data, err := codec.EncodeMessage(msg("9"))
	require.NoError(t, err)
	_, _, err = gw.OnPacketReceived(context.Background(), relay.Packet{Data: data})
	assert.ErrorIs(t, err, gateway.ErrConfigNotFound)
}

func TestResolveAck_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	var resolved []string
	f := newFixture(t, gateway.WithHooks(gateway.Hooks{
		OnPacketResolved: func(channelID string, _ uint64, outcome string) { resolved = append(resolved, channelID+"/"+outcome) },
	}))

	sent, err := f.gw.BuildAndSend(ctx, msg("1"))
	require.NoError(t, err)

	handle, err := f.gw.ResolveAck(ctx, "channel-7", sent.Packet.Sequence, []byte("ack-payload"))
	require.NoError(t, err)
	assert.Equal(t, gateway.CallWriteAcknowledgement, handle.Kind)
	assert.Equal(t, []byte("ack-payload"), handle.Ack)
	assert.Equal(t, *sent.Packet, *handle.Packet)
	assert.Len(t, f.host.Acks(), 1)

	_, err = f.gw.ResolveAck(ctx, "channel-7", sent.Packet.Sequence, []byte("ack-payload"))
	assert.ErrorIs(t, err, gateway.ErrUnknownPendingPacket)
	assert.Equal(t, []string{"channel-7/ack"}, resolved)
}

func TestResolveAck_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.ResolveAck(context.Background(), "channel-7", 5, []byte("ack"))
	assert.ErrorIs(t, err, gateway.ErrUnknownPendingPacket)
	assert.Empty(t, f.host.Acks())
}

func TestResolveAck_RollsBackWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sent, err := f.gw.BuildAndSend(ctx, msg("1"))
	require.NoError(t, err)

	f.host.FailNext(errors.New("write failed"))
	_, err = f.gw.ResolveAck(ctx, "channel-7", sent.Packet.Sequence, nil)
	require.Error(t, err)

	_, err = f.store.GetPendingPacket(ctx, "channel-7", sent.Packet.Sequence)
	assert.NoError(t, err, "pending record must survive a failed acknowledgement write")
}

func TestResolveTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sent, err := f.gw.BuildAndSend(ctx, msg("1"))
	require.NoError(t, err)

	rec, err := f.gw.ResolveTimeout(ctx, "channel-7", sent.Packet.Sequence)
	require.NoError(t, err)
	assert.Equal(t, msg("1").CCID, rec.CCID)

	_, err = f.gw.ResolveTimeout(ctx, "channel-7", sent.Packet.Sequence)
	assert.ErrorIs(t, err, gateway.ErrUnknownPendingPacket)
	_, err = f.gw.ResolveAck(ctx, "channel-7", sent.Packet.Sequence, nil)
	assert.ErrorIs(t, err, gateway.ErrUnknownPendingPacket)
}

func TestHooks_CallAndSent(t *testing.T) {
	var ops []string
	var sent []relay.Packet
	f := newFixture(t, gateway.WithHooks(gateway.Hooks{
		OnCall:       func(op string, _ time.Duration, _ error) { ops = append(ops, op) },
		OnPacketSent: func(p relay.Packet) { sent = append(sent, p) },
	}))

	_, err := f.gw.BuildAndSend(context.Background(), msg("1"))
	require.NoError(t, err)
	_, err = f.gw.ResolveAck(context.Background(), "channel-7", 9, nil)
	require.Error(t, err)

	assert.Equal(t, []string{"build_and_send", "packet_ack"}, ops)
	assert.Len(t, sent, 1)
}
