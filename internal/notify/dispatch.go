package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"contractwatch/internal/alert"
	"contractwatch/internal/contract"
	"contractwatch/internal/storage"
	logx "contractwatch/pkg/logx"
)

// NoRecipientError is the reserved error detail written when a company has
// no usable admin address.
const NoRecipientError = "no admin email found"

const logWriteTimeout = 10 * time.Second

type RecipientOutcome struct {
	Recipient string `json:"recipient"`
	Sent      bool   `json:"sent"`
	Error     string `json:"error,omitempty"`
}

type DispatchResult struct {
	// Sent is true when at least one recipient accepted the alert.
	Sent     bool               `json:"sent"`
	Outcomes []RecipientOutcome `json:"outcomes"`
}

// Dispatcher fans one event out to every recipient and records each
// outcome in the notification log.
type Dispatcher struct {
	sender alert.Sender
	store  storage.Store
	log    logx.Logger
	now    func() time.Time
}

func NewDispatcher(sender alert.Sender, store storage.Store, log logx.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, store: store, log: log, now: time.Now}
}

// Dispatch sends ev to each recipient in order. Transport errors are
// recorded per recipient and never returned; the returned error reports
// notification log writes that failed. keyed controls whether Sent rows
// carry a dedup key.
func (d *Dispatcher) Dispatch(ctx context.Context, c contract.Contract, ev Event, days int, recipients []string, keyed bool) (DispatchResult, error) {
	log := d.log.With(
		logx.String("contract_id", c.DisplayID()),
		logx.String("event_type", ev.Type),
	)
	row := contract.NotificationLog{
		ContractID:     c.ID,
		EventType:      ev.Type,
		ReminderWindow: ev.Window,
		Severity:       ev.Severity,
	}

	if len(recipients) == 0 {
		log.Warn("no admin email found; skipping notification", logx.String("company", c.CompanyCode))
		row.Status = contract.DeliveryFailed
		row.Error = NoRecipientError
		res := DispatchResult{Outcomes: []RecipientOutcome{{Error: NoRecipientError}}}
		row.CreatedAt = d.now().UTC()
		wctx, cancel := detached(ctx)
		defer cancel()
		if err := d.store.AppendNotificationLog(wctx, row); err != nil {
			return res, fmt.Errorf("log no-recipient outcome: %w", err)
		}
		return res, nil
	}

	var (
		res     DispatchResult
		logErrs []error
	)
	for _, to := range recipients {
		p := BuildPayload(c, ev, days, to, d.now())
		out := RecipientOutcome{Recipient: to}
		if err := d.sender.Send(ctx, p); err != nil {
			out.Error = err.Error()
			log.Warn("alert delivery failed", logx.String("recipient", to), logx.Err(err))
		} else {
			out.Sent = true
			res.Sent = true
			log.Info("alert delivered", logx.String("recipient", to), logx.String("severity", string(ev.Severity)))
		}
		res.Outcomes = append(res.Outcomes, out)

		r := row
		r.Recipient = to
		r.CreatedAt = d.now().UTC()
		if out.Sent {
			r.Status = contract.DeliverySent
			if keyed {
				r.SentKey = contract.SentKey(c.ID, ev.Type, to)
			}
		} else {
			r.Status = contract.DeliveryFailed
			r.Error = truncate(out.Error, 1000)
		}
		wctx, cancel := detached(ctx)
		err := d.store.AppendNotificationLog(wctx, r)
		cancel()
		switch {
		case errors.Is(err, storage.ErrDuplicateSent):
			log.Warn("sent row already recorded by a concurrent sender", logx.String("recipient", to))
		case err != nil:
			logErrs = append(logErrs, fmt.Errorf("log outcome for %s: %w", to, err))
		}
	}
	return res, errors.Join(logErrs...)
}

// detached bounds a log write with its own timeout. Outcomes are recorded
// even when the run that produced them was cancelled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
