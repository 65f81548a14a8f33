// Package alert delivers rendered contract notifications to an alert
// transport: an HTTP alert-notification producer, SMTP, or the log.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"contractwatch/internal/mailer"
	logx "contractwatch/pkg/logx"
)

const (
	CategoryAlert        = "ALERT"
	ResourceTypeContract = "contract"
)

// Payload is the resource-event body posted to the alert producer.
type Payload struct {
	EventType      string            `json:"eventType"`
	EventTimestamp int64             `json:"eventTimestamp"`
	Severity       string            `json:"severity"`
	Category       string            `json:"category"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	Resource       Resource          `json:"resource"`
	Tags           map[string]string `json:"tags"`
}

type Resource struct {
	ResourceName string            `json:"resourceName"`
	ResourceType string            `json:"resourceType"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Tag keys carried in Payload.Tags.
const (
	TagContractID     = "contractId"
	TagContractName   = "contractName"
	TagDaysRemaining  = "daysRemaining"
	TagStartDate      = "startDate"
	TagExpiryDate     = "expiryDate"
	TagRecipientEmail = "recipientEmail"
	TagReminderWindow = "reminderWindow"
)

// Recipient returns the recipient address carried by the payload.
func (p Payload) Recipient() string {
	if v := strings.TrimSpace(p.Tags[TagRecipientEmail]); v != "" {
		return v
	}
	return strings.TrimSpace(p.Resource.Tags[TagRecipientEmail])
}

// Sender delivers one payload to one recipient.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

// StatusError is returned when the producer answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("alert: http %d", e.Code)
	}
	return fmt.Sprintf("alert: http %d: %s", e.Code, e.Body)
}

// Config selects and configures a driver.
type Config struct {
	Driver        string // http | smtp | log
	URL           string
	Username      string
	Password      string
	BearerToken   string
	Timeout       time.Duration
	RatePerSec    int
	SigningSecret string
}

// New builds the configured Sender. The mailer is only used by the smtp
// driver and may be nil otherwise.
func New(cfg Config, m *mailer.Mailer, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "http":
		s, err := NewHTTP(cfg, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "smtp":
		if m == nil {
			return nil, errors.New("alert: smtp driver needs smtp settings")
		}
		return NewMail(m), nil
	case "log", "":
		return NewLog(log), nil
	default:
		return nil, fmt.Errorf("alert: unknown driver %q", cfg.Driver)
	}
}
