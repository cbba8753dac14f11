package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
)

func newTestServer(t *testing.T, handle func(method string, params gjson.Result) (interface{}, *Error)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		req := gjson.ParseBytes(raw)
		assert.Equal(t, "2.0", req.Get("jsonrpc").String())

		result, rpcErr := handle(req.Get("method").String(), req.Get("params"))
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.Get("id").Uint()}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{URL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestClient_Queries(t *testing.T) {
	c := newTestServer(t, func(method string, params gjson.Result) (interface{}, *Error) {
		switch method {
		case MethodNextSequence:
			assert.Equal(t, "channel-7", params.Get("0").String())
			return 12, nil
		case MethodTimeoutHeight:
			return "18446744073709551615", nil
		}
		return nil, &Error{Code: -32601, Message: "method not found"}
	})
	ctx := context.Background()

	seq, err := c.NextOutgoingSequence(ctx, "channel-7")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)

	height, err := c.CurrentTimeoutHeight(ctx, "channel-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), height)

	_, err = c.Call(ctx, "nope")
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(-32601), rpcErr.Code)
}

func TestClient_Execute(t *testing.T) {
	var got gjson.Result
	accept := true
	c := newTestServer(t, func(method string, params gjson.Result) (interface{}, *Error) {
		require.Equal(t, MethodExecute, method)
		got = params.Get("0")
		if !accept {
			return map[string]interface{}{"accepted": false, "reason": "sequence gap"}, nil
		}
		return map[string]interface{}{"accepted": true}, nil
	})
	ctx := context.Background()

	handle, err := c.DispatchPacket(ctx, relay.Packet{
		Sequence: 3,
		Src:      relay.Endpoint{PortID: "wasm.gw", ChannelID: "channel-0"},
		Dst:      relay.Endpoint{PortID: "xcall", ChannelID: "channel-7"},
	})
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, []gateway.Call{handle}))
	assert.Equal(t, "send_packet", got.Get("0.kind").String())
	assert.Equal(t, int64(3), got.Get("0.packet.sequence").Int())

	accept = false
	err = c.Execute(ctx, []gateway.Call{handle})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestClient_BadResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/garbage":
			_, _ = w.Write([]byte("{not json"))
		case "/empty":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1}`))
		case "/object":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"x":1}}`))
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	for _, path := range []string{"/down", "/garbage", "/empty", "/object"} {
		c, err := NewClient(Config{URL: srv.URL + path})
		require.NoError(t, err)
		_, err = c.NextOutgoingSequence(ctx, "channel-0")
		assert.Error(t, err, path)
	}
}

func TestClient_WriteAcknowledgementCopiesAck(t *testing.T) {
	c, err := NewClient(Config{URL: "http://unused"})
	require.NoError(t, err)

	ack := []byte{1, 2}
	handle, err := c.WriteAcknowledgement(context.Background(), relay.Packet{Sequence: 1}, ack)
	require.NoError(t, err)
	ack[0] = 9
	assert.Equal(t, []byte{1, 2}, handle.Ack)
	assert.Equal(t, gateway.CallWriteAcknowledgement, handle.Kind)
}
