package gateway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateMessageIDs rejects a batch holding two messages with the same cross-chain id.
	ErrDuplicateMessageIDs = errors.New("duplicate message ids")
	// ErrConfigNotFound is returned when no connection config resolves a destination.
	ErrConfigNotFound = errors.New("connection config not found")
	// ErrDecode is returned for inbound packet data that does not match the wire encoding.
	ErrDecode = errors.New("failed to decode packet data")
	// ErrUnknownPendingPacket is returned for an acknowledgement or timeout that matches no
	// pending packet: either it was never sent or it was already resolved.
	ErrUnknownPendingPacket = errors.New("unknown pending packet")
	// ErrInvalidTimeout is returned when a packet timeout cannot carry both bounds.
	ErrInvalidTimeout = errors.New("invalid packet timeout")
	// ErrInvalidMessage is returned for messages missing routing fields.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownStatus is returned for a verification status outside the known set.
	ErrUnknownStatus = errors.New("unknown verification status")
	// ErrDirectivesFailed wraps an executor failure. The call was rolled back.
	ErrDirectivesFailed = errors.New("directive execution failed")
)

// DuplicateMessageIDsError names the ids that appeared more than once in a batch.
type DuplicateMessageIDsError struct {
	IDs []string
}

// Error implements error.
func (e *DuplicateMessageIDsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateMessageIDs, strings.Join(e.IDs, ", "))
}

// Unwrap lets errors.Is match ErrDuplicateMessageIDs.
func (e *DuplicateMessageIDsError) Unwrap() error {
	return ErrDuplicateMessageIDs
}
