package contract

import "fmt"

// Decision is a reviewer's verdict on a submitted contract.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Transition returns the status change d makes. Only Submitted contracts
// can be decided.
func (d Decision) Transition() (from, to Status, err error) {
	switch d {
	case DecisionApprove:
		return StatusSubmitted, StatusApproved, nil
	case DecisionReject:
		return StatusSubmitted, StatusRejected, nil
	default:
		return "", "", fmt.Errorf("unknown decision %q", string(d))
	}
}
