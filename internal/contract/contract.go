// Package contract holds the contract lifecycle types shared by storage,
// the notification scheduler and the HTTP surface.
package contract

import (
	"strings"
	"time"
)

type Status string

const (
	StatusDraft            Status = "Draft"
	StatusSubmitted        Status = "Submitted"
	StatusApproved         Status = "Approved"
	StatusRejected         Status = "Rejected"
	StatusExpired          Status = "Expired"
	StatusRenewalDue       Status = "Renewal Due"
	StatusRenewalPending   Status = "Renewal Pending"
	StatusRenewalCompleted Status = "Renewal Completed"
)

// DateLayout is the wire and storage format of contract dates.
const DateLayout = "2006-01-02"

type Admin struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type Company struct {
	Code   string  `json:"code"`
	Name   string  `json:"name"`
	Admins []Admin `json:"admins,omitempty"`
}

// Contract is the read model used by the scheduler: the contract row joined
// with its owning company (and admins) and its template name.
type Contract struct {
	ID           string     `json:"id"`
	ContractID   string     `json:"contractId,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Alias        string     `json:"alias,omitempty"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	Status       Status     `json:"status"`
	CompanyCode  string     `json:"companyCode,omitempty"`
	Company      *Company   `json:"company,omitempty"`
	TemplateName string     `json:"templateName,omitempty"`
}

// DisplayID is the identifier shown to humans: the business contract id when
// present, the store id otherwise.
func (c Contract) DisplayID() string {
	if id := strings.TrimSpace(c.ContractID); id != "" {
		return id
	}
	return c.ID
}

// EffectiveStatus reports Expired for any non-draft contract whose end date
// lies before today. The stored status is never rewritten for this.
func (c Contract) EffectiveStatus(today time.Time) Status {
	if c.EndDate == nil || c.Status == StatusDraft {
		return c.Status
	}
	if DaysUntil(*c.EndDate, today, today.Location()) < 0 {
		return StatusExpired
	}
	return c.Status
}

// DaysUntil returns the number of calendar days from today (as seen in loc)
// to the calendar date of end. Time of day is ignored on both sides.
func DaysUntil(end, today time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.Local
	}
	ey, em, ed := end.Date()
	ty, tm, td := today.In(loc).Date()
	e := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	t := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(e.Sub(t) / (24 * time.Hour))
}

// ParseDate parses a YYYY-MM-DD date; an empty string yields nil.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FormatDate is the inverse of ParseDate.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}
