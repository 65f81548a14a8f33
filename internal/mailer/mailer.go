// Package mailer sends plain-text and HTML mail over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	mail "github.com/go-mail/mail/v2"
	"github.com/google/uuid"
)

var ErrNotConfigured = errors.New("mailer: smtp not configured")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // e.g. "Contract Watch <no-reply@example.com>"
	// RequireTLS forces STARTTLS; otherwise it is used when offered.
	RequireTLS bool
	Timeout    time.Duration
}

type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Transport is satisfied by *mail.Dialer.
type Transport interface {
	DialAndSend(m ...*mail.Message) error
}

type Mailer struct {
	cfg       Config
	transport Transport
}

func New(cfg Config) *Mailer {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	cfg.Port = port
	d := mail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)
	if cfg.RequireTLS {
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	return &Mailer{cfg: cfg, transport: d}
}

// NewWithTransport is New with a caller-supplied transport.
func NewWithTransport(cfg Config, t Transport) *Mailer {
	return &Mailer{cfg: cfg, transport: t}
}

// Send delivers msg and returns the Message-ID it was sent with.
func (m *Mailer) Send(ctx context.Context, msg Message) (string, error) {
	if m == nil || strings.TrimSpace(m.cfg.Host) == "" || strings.TrimSpace(m.cfg.From) == "" {
		return "", ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return "", errors.New("mailer: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), messageDomain(m.cfg.From, m.cfg.Host))
	mm := mail.NewMessage()
	mm.SetHeader("From", m.cfg.From)
	mm.SetHeader("To", msg.To...)
	mm.SetHeader("Subject", msg.Subject)
	mm.SetHeader("Message-ID", id)
	switch {
	case msg.Text != "" && msg.HTML != "":
		mm.SetBody("text/plain", msg.Text)
		mm.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		mm.SetBody("text/html", msg.HTML)
	default:
		mm.SetBody("text/plain", msg.Text)
	}

	if err := m.transport.DialAndSend(mm); err != nil {
		return "", fmt.Errorf("mailer: send: %w", err)
	}
	return id, nil
}

func messageDomain(from, host string) string {
	if i := strings.LastIndexByte(from, '@'); i >= 0 {
		d := strings.TrimRight(from[i+1:], "> ")
		if d != "" {
			return d
		}
	}
	if host != "" {
		return host
	}
	return "localhost"
}
