package notify

import "time"

type DetailStatus string

const (
	DetailSent    DetailStatus = "sent"
	DetailSkipped DetailStatus = "skipped"
	DetailFailed  DetailStatus = "failed"
)

// Detail is the per-(contract, event) line of a run summary.
type Detail struct {
	ContractID    string             `json:"contractId"`
	ContractName  string             `json:"contractName"`
	DaysRemaining int                `json:"daysRemaining"`
	Event         string             `json:"event,omitempty"`
	Severity      string             `json:"severity,omitempty"`
	Status        DetailStatus       `json:"status"`
	Reason        string             `json:"reason,omitempty"`
	Advanced      bool               `json:"advanced,omitempty"`
	Recipients    []RecipientOutcome `json:"recipients,omitempty"`
}

// Summary is the machine-readable result of one run or manual send.
type Summary struct {
	Message      string    `json:"message"`
	RunID        string    `json:"runId"`
	Trigger      string    `json:"trigger"`
	Mode         Mode      `json:"mode"`
	Threshold    int       `json:"threshold"`
	TotalChecked int       `json:"totalChecked"`
	Sent         int       `json:"sent"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	Advanced     int       `json:"advanced"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	Details      []Detail  `json:"details"`
}

func (s *Summary) tally() {
	s.Sent, s.Failed, s.Skipped = 0, 0, 0
	for _, d := range s.Details {
		switch d.Status {
		case DetailSent:
			s.Sent++
		case DetailFailed:
			s.Failed++
		case DetailSkipped:
			s.Skipped++
		}
	}
}

// Duration is how long the run took.
func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
