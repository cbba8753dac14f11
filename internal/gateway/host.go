package gateway

import (
	"context"
	"sync"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
)

// TransportHost is the packet transport the gateway sends through. It owns the per-channel
// sequence counters and increments them when a send directive is executed.
type TransportHost interface {
	NextOutgoingSequence(ctx context.Context, channelID string) (uint64, error)
	CurrentTimeoutHeight(ctx context.Context, channelID string) (uint64, error)
	DispatchPacket(ctx context.Context, packet relay.Packet) (SendHandle, error)
	WriteAcknowledgement(ctx context.Context, packet relay.Packet, ack []byte) (SendHandle, error)
}

// Executor commits the directives of one gateway call. Either all of them take effect or
// the call fails.
type Executor interface {
	Execute(ctx context.Context, calls []Call) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, calls []Call) error

// Execute calls f(ctx, calls).
func (f ExecutorFunc) Execute(ctx context.Context, calls []Call) error {
	return f(ctx, calls)
}

// Serializer runs gateway calls one at a time.
type Serializer interface {
	Serialize(ctx context.Context, fn func(ctx context.Context) error) error
}

// LocalSerializer serializes calls within the process.
type LocalSerializer struct {
	mu sync.Mutex
}

// Serialize runs fn while holding the process-wide call lock.
func (l *LocalSerializer) Serialize(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
