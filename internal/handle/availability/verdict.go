package availability

import "fmt"

// Reason explains how a verdict was reached.
type Reason int

const (
	// ReasonNotInFilter: the filter has never seen the name. Answered
	// without touching the store.
	ReasonNotInFilter Reason = iota + 1

	// ReasonConfirmedTaken: the filter matched and the store has the name.
	ReasonConfirmedTaken

	// ReasonFalsePositiveButAbsent: the filter matched but the store does
	// not have the name.
	ReasonFalsePositiveButAbsent

	// ReasonNotInStore: no filter is published yet, the store was asked
	// directly and does not have the name.
	ReasonNotInStore
)

var reasonNames = map[Reason]string{
	ReasonNotInFilter:            "NOT_IN_FILTER",
	ReasonConfirmedTaken:         "CONFIRMED_TAKEN",
	ReasonFalsePositiveButAbsent: "FALSE_POSITIVE_BUT_ABSENT",
	ReasonNotInStore:             "NOT_IN_STORE",
}

// String returns the wire name of the reason.
func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// MarshalText encodes the reason as its wire name.
func (r Reason) MarshalText() ([]byte, error) {
	s, ok := reasonNames[r]
	if !ok {
		return nil, fmt.Errorf("availability: unknown reason %d", int(r))
	}
	return []byte(s), nil
}

// Verdict is the answer to an availability check.
type Verdict struct {
	Available bool   `json:"available"`
	Reason    Reason `json:"reason"`
}
