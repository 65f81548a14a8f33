package notify

import (
	"fmt"
	"strings"

	"contractwatch/internal/contract"
)

// Mode selects how day counts map to expiry events.
type Mode string

const (
	// ModeExact fires only on the exact reminder days (30, 14, 7).
	ModeExact Mode = "exact"
	// ModeThreshold fires for every day inside a window, smallest window
	// first, and for contracts that already expired.
	ModeThreshold Mode = "threshold"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeExact:
		return ModeExact, nil
	case ModeThreshold, "":
		return ModeThreshold, nil
	default:
		return "", fmt.Errorf("notify: unknown mode %q", s)
	}
}

type Kind string

const (
	KindExpiry  Kind = "expiry"
	KindExpired Kind = "expired"
	KindRenewal Kind = "renewal"
	KindManual  Kind = "manual"
)

// Event is one classification result. It is never persisted on its own;
// its Type and Window end up on notification log rows.
type Event struct {
	Type     string            `json:"eventType"`
	Window   string            `json:"reminderWindow"`
	Severity contract.Severity `json:"severity"`
	Kind     Kind              `json:"kind"`
}

const (
	EventExpiry30d        = "contractExpiry30d"
	EventExpiry14d        = "contractExpiry14d"
	EventExpiry7d         = "contractExpiry7d"
	EventExpired          = "contractExpired"
	EventRenewalDue       = "contractRenewalDue"
	EventRenewalPending   = "contractRenewalPending"
	EventRenewalCompleted = "contractRenewalCompleted"
	EventExpiryManual     = "contractExpiryManual"
)

var (
	eventExpiry30 = Event{Type: EventExpiry30d, Window: "30d", Severity: contract.SeverityInfo, Kind: KindExpiry}
	eventExpiry14 = Event{Type: EventExpiry14d, Window: "14d", Severity: contract.SeverityWarning, Kind: KindExpiry}
	eventExpiry7  = Event{Type: EventExpiry7d, Window: "7d", Severity: contract.SeverityError, Kind: KindExpiry}
	eventExpired  = Event{Type: EventExpired, Window: "expired", Severity: contract.SeverityError, Kind: KindExpired}
)

// ClassifyExpiry maps a day count to at most one expiry event.
func ClassifyExpiry(mode Mode, days int) (Event, bool) {
	if mode == ModeExact {
		switch days {
		case 30:
			return eventExpiry30, true
		case 14:
			return eventExpiry14, true
		case 7:
			return eventExpiry7, true
		}
		return Event{}, false
	}
	switch {
	case days <= 0:
		return eventExpired, true
	case days <= 7:
		return eventExpiry7, true
	case days <= 14:
		return eventExpiry14, true
	case days <= 30:
		return eventExpiry30, true
	}
	return Event{}, false
}

// ClassifyRenewal maps a lifecycle status to a renewal event.
func ClassifyRenewal(status contract.Status) (Event, bool) {
	switch status {
	case contract.StatusRenewalDue:
		return Event{Type: EventRenewalDue, Window: "renewal-due", Severity: contract.SeverityWarning, Kind: KindRenewal}, true
	case contract.StatusRenewalPending:
		return Event{Type: EventRenewalPending, Window: "renewal-pending", Severity: contract.SeverityInfo, Kind: KindRenewal}, true
	case contract.StatusRenewalCompleted:
		return Event{Type: EventRenewalCompleted, Window: "renewal-completed", Severity: contract.SeverityInfo, Kind: KindRenewal}, true
	}
	return Event{}, false
}

// ShouldAdvance reports whether an Approved contract inside the threshold
// must move to Renewal Due.
func ShouldAdvance(days, threshold int, status contract.Status) bool {
	return status == contract.StatusApproved && days > 0 && days <= threshold
}

// manualEvent is used by an operator-requested send when the day count
// matches no configured window.
func manualEvent(days int) Event {
	sev := contract.SeverityInfo
	switch {
	case days <= 7:
		sev = contract.SeverityError
	case days <= 15:
		sev = contract.SeverityWarning
	}
	return Event{Type: EventExpiryManual, Window: fmt.Sprintf("%dd", days), Severity: sev, Kind: KindManual}
}
