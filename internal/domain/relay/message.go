// Package relay defines the data model shared by the gateway core, its stores and its transports.
package relay

import (
	"fmt"
	"strings"
)

// CrossChainID identifies a message across every connected network.
type CrossChainID struct {
	Chain string `json:"chain"`
	ID    string `json:"id"`
}

// String renders the id as chain:id.
func (c CrossChainID) String() string {
	return c.Chain + ":" + c.ID
}

// Validate rejects ids with an empty half.
func (c CrossChainID) Validate() error {
	if strings.TrimSpace(c.Chain) == "" || strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("invalid cross-chain id %q", c.String())
	}
	return nil
}

// ParseCrossChainID parses the chain:id form produced by String.
func ParseCrossChainID(raw string) (CrossChainID, error) {
	chain, id, ok := strings.Cut(raw, ":")
	if !ok {
		return CrossChainID{}, fmt.Errorf("invalid cross-chain id %q", raw)
	}
	cc := CrossChainID{Chain: chain, ID: id}
	return cc, cc.Validate()
}

// Message is a routed cross-chain message. It is treated as immutable.
type Message struct {
	CCID               CrossChainID `json:"cc_id"`
	SourceAddress      string       `json:"source_address"`
	DestinationChain   string       `json:"destination_chain"`
	DestinationAddress string       `json:"destination_address"`
	Payload            []byte       `json:"payload"`
}

// Attribute is a single key/value pair attached to an emitted event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attributes returns the message fields in a fixed order for event tagging.
func (m Message) Attributes() []Attribute {
	return []Attribute{
		{Key: "id", Value: m.CCID.ID},
		{Key: "source_chain", Value: m.CCID.Chain},
		{Key: "source_address", Value: m.SourceAddress},
		{Key: "destination_chain", Value: m.DestinationChain},
		{Key: "destination_address", Value: m.DestinationAddress},
		{Key: "payload", Value: fmt.Sprintf("%x", m.Payload)},
	}
}

// Validate checks that the message can be routed at all.
func (m Message) Validate() error {
	if err := m.CCID.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.DestinationChain) == "" {
		return fmt.Errorf("message %s: destination_chain is required", m.CCID)
	}
	return nil
}
