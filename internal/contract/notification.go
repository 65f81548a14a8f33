package contract

import "time"

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "Sent"
	DeliveryFailed DeliveryStatus = "Failed"
)

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// NotificationLog is one append-only delivery record.
//
// SentKey is set only on Sent rows that take part in deduplication; storage
// keeps it unique so the same (contract, event, recipient) can never be
// recorded as Sent twice.
type NotificationLog struct {
	ID             string         `json:"id"`
	ContractID     string         `json:"contractId"`
	EventType      string         `json:"eventType"`
	ReminderWindow string         `json:"reminderWindow"`
	Recipient      string         `json:"recipient"`
	Severity       Severity       `json:"severity"`
	Status         DeliveryStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	SentKey        string         `json:"sentKey,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// SentKey builds the uniqueness key for a Sent row.
func SentKey(contractID, eventType, recipient string) string {
	return contractID + "|" + eventType + "|" + recipient
}
