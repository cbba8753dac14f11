package gateway

import (
	"sort"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
)

// CheckDuplicates returns msgs unchanged unless two of them share a cross-chain id, in which
// case the whole batch is rejected.
func CheckDuplicates(msgs []relay.Message) ([]relay.Message, error) {
	seen := make(map[relay.CrossChainID]int, len(msgs))
	var dupes []string
	for _, msg := range msgs {
		seen[msg.CCID]++
		// Report each offending id once, at its second occurrence.
		if seen[msg.CCID] == 2 {
			dupes = append(dupes, msg.CCID.String())
		}
	}
	if len(dupes) > 0 {
		return nil, &DuplicateMessageIDsError{IDs: dupes}
	}
	return msgs, nil
}

// StatusGroup is every message of a batch carrying one status, in arrival order.
type StatusGroup struct {
	Status   relay.VerificationStatus
	Messages []relay.Message
}

// GroupByStatus partitions msgs by status. Groups are ordered by status so the resulting
// events are reproducible for the same input set.
func GroupByStatus(msgs []relay.StatusedMessage) []StatusGroup {
	index := make(map[relay.VerificationStatus]int)
	var groups []StatusGroup
	for _, m := range msgs {
		i, ok := index[m.Status]
		if !ok {
			i = len(groups)
			index[m.Status] = i
			groups = append(groups, StatusGroup{Status: m.Status})
		}
		groups[i].Messages = append(groups[i].Messages, m.Message)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Status < groups[j].Status })
	return groups
}

func messagesOf(msgs []relay.StatusedMessage) []relay.Message {
	out := make([]relay.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Message)
	}
	return out
}
