package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"contractwatch/internal/alert"
	"contractwatch/internal/contract"
)

const signature = "DHI Contract Management System"

func longDate(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.Format("January 2, 2006")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func dayWord(n int) string {
	if n == 1 || n == -1 {
		return "day"
	}
	return "days"
}

// Render produces the subject and plain-text body for an event.
func Render(c contract.Contract, ev Event, days int) (string, string) {
	var subject, intro, action string
	switch ev.Kind {
	case KindExpired:
		subject = fmt.Sprintf("Contract %q has expired", c.Name)
		intro = "the following contract has expired"
		action = "Please renew or close this contract."
	case KindRenewal:
		switch ev.Type {
		case EventRenewalDue:
			subject = fmt.Sprintf("Contract %q is due for renewal", c.Name)
			intro = "the following contract is due for renewal"
			action = "Please start the renewal process before the expiry date."
		case EventRenewalPending:
			subject = fmt.Sprintf("Renewal of contract %q is pending", c.Name)
			intro = "the renewal of the following contract is pending"
			action = "Please follow up on the pending renewal."
		default:
			subject = fmt.Sprintf("Renewal of contract %q is completed", c.Name)
			intro = "the renewal of the following contract has been completed"
			action = "No further action is required."
		}
	default:
		subject = fmt.Sprintf("Contract %q expires in %d %s", c.Name, days, dayWord(days))
		intro = "the following contract is expiring soon"
		action = "Please take necessary action before the expiry date."
	}

	var b strings.Builder
	b.WriteString("Dear User,\n\n")
	fmt.Fprintf(&b, "This is an automated notification to inform you that %s:\n\n", intro)
	fmt.Fprintf(&b, "Contract ID: %s\n", c.DisplayID())
	fmt.Fprintf(&b, "Contract Name: %s\n", c.Name)
	fmt.Fprintf(&b, "Description: %s\n", orNA(c.Description))
	fmt.Fprintf(&b, "Alias: %s\n", orNA(c.Alias))
	fmt.Fprintf(&b, "Start Date: %s\n", longDate(c.StartDate))
	fmt.Fprintf(&b, "Expiry Date: %s\n", longDate(c.EndDate))
	fmt.Fprintf(&b, "Days Remaining: %d\n", days)
	fmt.Fprintf(&b, "Status: %s\n", orNA(string(c.Status)))
	fmt.Fprintf(&b, "Template: %s\n\n", orNA(c.TemplateName))
	b.WriteString(action)
	b.WriteString("\n\nBest regards,\n")
	b.WriteString(signature)
	return subject, b.String()
}

// BuildPayload assembles the alert payload for one recipient.
func BuildPayload(c contract.Contract, ev Event, days int, recipient string, now time.Time) alert.Payload {
	subject, body := Render(c, ev, days)
	id := c.DisplayID()
	return alert.Payload{
		EventType:      ev.Type,
		EventTimestamp: now.Unix(),
		Severity:       string(ev.Severity),
		Category:       alert.CategoryAlert,
		Subject:        subject,
		Body:           body,
		Resource: alert.Resource{
			ResourceName: id,
			ResourceType: alert.ResourceTypeContract,
			Tags:         map[string]string{alert.TagRecipientEmail: recipient},
		},
		Tags: map[string]string{
			alert.TagContractID:     id,
			alert.TagContractName:   c.Name,
			alert.TagDaysRemaining:  strconv.Itoa(days),
			alert.TagStartDate:      contract.FormatDate(c.StartDate),
			alert.TagExpiryDate:     contract.FormatDate(c.EndDate),
			alert.TagRecipientEmail: recipient,
			alert.TagReminderWindow: ev.Window,
		},
	}
}
