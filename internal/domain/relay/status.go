package relay

import (
	"encoding/json"
	"fmt"
)

// VerificationStatus is the trust classification attached to a message by the verification
// network. The numeric order is the grouping order.
type VerificationStatus int

const (
	StatusNone VerificationStatus = iota
	StatusNotFound
	StatusFailedToVerify
	StatusInProgress
	StatusSucceededOnChain
	StatusFailedOnChain
)

var statusNames = map[VerificationStatus]string{
	StatusNone:             "none",
	StatusNotFound:         "not_found",
	StatusFailedToVerify:   "failed_to_verify",
	StatusInProgress:       "in_progress",
	StatusSucceededOnChain: "succeeded_on_chain",
	StatusFailedOnChain:    "failed_on_chain",
}

// AllStatuses lists every status in grouping order.
func AllStatuses() []VerificationStatus {
	return []VerificationStatus{
		StatusNone,
		StatusNotFound,
		StatusFailedToVerify,
		StatusInProgress,
		StatusSucceededOnChain,
		StatusFailedOnChain,
	}
}

func (s VerificationStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the known statuses.
func (s VerificationStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseVerificationStatus parses the snake_case name of a status.
func ParseVerificationStatus(raw string) (VerificationStatus, error) {
	for status, name := range statusNames {
		if name == raw {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown verification status %q", raw)
}

func (s VerificationStatus) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown verification status %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *VerificationStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseVerificationStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StatusedMessage pairs a message with the status it was tagged with.
type StatusedMessage struct {
	Message Message            `json:"message"`
	Status  VerificationStatus `json:"status"`
}
