package gateway

import (
	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
)

// EventKind is the disposition recorded for a message in one classification pass.
type EventKind int

const (
	EventVerifying EventKind = iota
	EventAlreadyVerified
	EventAlreadyRejected
	EventRouting
	EventUnfitForRouting
)

var eventNames = [...]string{
	EventVerifying:       "verifying",
	EventAlreadyVerified: "already_verified",
	EventAlreadyRejected: "already_rejected",
	EventRouting:         "routing",
	EventUnfitForRouting: "unfit_for_routing",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event is the attribute-tagged record attached to a gateway response.
type Event struct {
	Kind       EventKind          `json:"-"`
	Name       string             `json:"name"`
	CCID       relay.CrossChainID `json:"cc_id"`
	Attributes []relay.Attribute  `json:"attributes"`
}

// NewEvent tags msg with the given disposition.
func NewEvent(kind EventKind, msg relay.Message) Event {
	return Event{
		Kind:       kind,
		Name:       kind.String(),
		CCID:       msg.CCID,
		Attributes: msg.Attributes(),
	}
}

func messagesIntoEvents(kind EventKind, msgs []relay.Message) []Event {
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, NewEvent(kind, msg))
	}
	return events
}
