// Package rpc connects the gateway to a remote transport host over JSON-RPC 2.0.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
)

// Method names served by the host node.
const (
	MethodNextSequence  = "gateway_nextSequence"
	MethodTimeoutHeight = "gateway_timeoutHeight"
	MethodExecute       = "gateway_execute"
)

// ErrRejected is returned when the host refuses a batch of directives.
var ErrRejected = errors.New("host rejected directives")

// Error is a JSON-RPC error object.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

// Config holds client configuration.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Client is a TransportHost and Executor served by a remote host node.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     uint64
}

var (
	_ gateway.TransportHost = (*Client)(nil)
	_ gateway.Executor      = (*Client)(nil)
)

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Call makes a JSON-RPC call and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (gjson.Result, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.nextID, 1),
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, fmt.Errorf("%s: malformed response", method)
	}

	parsed := gjson.ParseBytes(respBody)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, &Error{Code: e.Get("code").Int(), Message: e.Get("message").String()}
	}
	result := parsed.Get("result")
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("%s: response has no result", method)
	}
	return result, nil
}

// NextOutgoingSequence asks the host for the next sequence of channelID.
func (c *Client) NextOutgoingSequence(ctx context.Context, channelID string) (uint64, error) {
	result, err := c.Call(ctx, MethodNextSequence, channelID)
	if err != nil {
		return 0, err
	}
	return parseUint(result)
}

// CurrentTimeoutHeight asks the host for the current height of channelID.
func (c *Client) CurrentTimeoutHeight(ctx context.Context, channelID string) (uint64, error) {
	result, err := c.Call(ctx, MethodTimeoutHeight, channelID)
	if err != nil {
		return 0, err
	}
	return parseUint(result)
}

// DispatchPacket returns the send directive for packet. The host only sees it on Execute.
func (c *Client) DispatchPacket(_ context.Context, packet relay.Packet) (gateway.SendHandle, error) {
	p := packet
	return gateway.SendHandle{Kind: gateway.CallSendPacket, Target: packet.Src.ChannelID, Packet: &p}, nil
}

// WriteAcknowledgement returns the directive writing ack for packet.
func (c *Client) WriteAcknowledgement(_ context.Context, packet relay.Packet, ack []byte) (gateway.SendHandle, error) {
	p := packet
	return gateway.SendHandle{
		Kind:   gateway.CallWriteAcknowledgement,
		Target: packet.Dst.ChannelID,
		Packet: &p,
		Ack:    append([]byte(nil), ack...),
	}, nil
}

// Execute submits the directives of one call. The host applies all of them or none.
func (c *Client) Execute(ctx context.Context, calls []gateway.Call) error {
	result, err := c.Call(ctx, MethodExecute, calls)
	if err != nil {
		return err
	}
	if !result.Get("accepted").Bool() {
		reason := result.Get("reason").String()
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return nil
}

// Hosts encode large integers as strings.
func parseUint(r gjson.Result) (uint64, error) {
	switch r.Type {
	case gjson.Number:
		return r.Uint(), nil
	case gjson.String:
		v, err := strconv.ParseUint(r.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", r.Str, err)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected result %s", r.Raw)
	}
}
