package alert

import (
	"context"
	"errors"

	"contractwatch/internal/mailer"
)

// MailSender delivers the rendered subject and body straight over SMTP.
type MailSender struct {
	m *mailer.Mailer
}

func NewMail(m *mailer.Mailer) *MailSender { return &MailSender{m: m} }

func (s *MailSender) Send(ctx context.Context, p Payload) error {
	to := p.Recipient()
	if to == "" {
		return errors.New("alert: payload has no recipient")
	}
	_, err := s.m.Send(ctx, mailer.Message{To: []string{to}, Subject: p.Subject, Text: p.Body})
	return err
}
