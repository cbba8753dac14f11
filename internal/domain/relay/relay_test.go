package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossChainID(t *testing.T) {
	id, err := ParseCrossChainID("ethereum:0xabc-1")
	require.NoError(t, err)
	assert.Equal(t, CrossChainID{Chain: "ethereum", ID: "0xabc-1"}, id)
	assert.Equal(t, "ethereum:0xabc-1", id.String())

	for _, raw := range []string{"", "ethereum", ":1", "ethereum:"} {
		_, err := ParseCrossChainID(raw)
		assert.Error(t, err, raw)
	}
}

func TestMessageValidate(t *testing.T) {
	m := Message{CCID: CrossChainID{Chain: "eth", ID: "1"}, DestinationChain: "icon"}
	assert.NoError(t, m.Validate())

	m.DestinationChain = " "
	assert.Error(t, m.Validate())

	m = Message{DestinationChain: "icon"}
	assert.Error(t, m.Validate())
}

func TestMessageAttributes(t *testing.T) {
	m := Message{
		CCID:               CrossChainID{Chain: "eth", ID: "7"},
		SourceAddress:      "0xsrc",
		DestinationChain:   "icon",
		DestinationAddress: "hx1",
		Payload:            []byte{0xde, 0xad},
	}
	attrs := m.Attributes()
	require.Len(t, attrs, 6)
	assert.Equal(t, Attribute{Key: "id", Value: "7"}, attrs[0])
	assert.Equal(t, Attribute{Key: "payload", Value: "dead"}, attrs[5])
}

func TestVerificationStatusJSON(t *testing.T) {
	for _, status := range AllStatuses() {
		data, err := json.Marshal(status)
		require.NoError(t, err)

		var back VerificationStatus
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, status, back)
	}

	var s VerificationStatus
	assert.Error(t, json.Unmarshal([]byte(`"maybe"`), &s))
	_, err := json.Marshal(VerificationStatus(42))
	assert.Error(t, err)
	assert.False(t, VerificationStatus(42).Valid())
	assert.Equal(t, "status(42)", VerificationStatus(42).String())
}

func TestNewTimeout(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := NewTimeout(TimeoutBlock{}, at)
	assert.ErrorIs(t, err, ErrIncompleteTimeout)
	_, err = NewTimeout(TimeoutBlock{Height: 10}, time.Time{})
	assert.ErrorIs(t, err, ErrIncompleteTimeout)

	timeout, err := NewTimeout(TimeoutBlock{Height: 10}, at)
	require.NoError(t, err)

	tests := []struct {
		name   string
		height uint64
		now    time.Time
		want   bool
	}{
		{"neither bound passed", 5, at.Add(-time.Minute), false},
		{"only height passed", 10, at.Add(-time.Minute), false},
		{"only timestamp passed", 5, at, false},
		{"both passed", 11, at.Add(time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, timeout.Expired(tt.height, tt.now))
		})
	}
}

func TestChannelConfigValidate(t *testing.T) {
	cfg := ChannelConfig{
		NetworkID: "0x1.icon",
		Src:       Endpoint{PortID: "wasm.gw", ChannelID: "channel-0"},
		Dst:       Endpoint{PortID: "xcall", ChannelID: "channel-1"},
	}
	assert.NoError(t, cfg.Validate())

	noDst := cfg
	noDst.Dst.ChannelID = ""
	assert.Error(t, noDst.Validate())

	noNid := cfg
	noNid.NetworkID = ""
	assert.Error(t, noNid.Validate())
}

func TestPacketKey(t *testing.T) {
	rec := PendingPacket{ChannelID: "channel-3", Sequence: 12}
	assert.Equal(t, PacketKey{ChannelID: "channel-3", Sequence: 12}, rec.Key())
	assert.Equal(t, "channel-3/12", rec.Key().String())
}
