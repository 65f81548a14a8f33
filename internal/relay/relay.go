// Package relay turns alert-producer webhook calls into SMTP mail.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"contractwatch/internal/alert"
	"contractwatch/internal/mailer"
	logx "contractwatch/pkg/logx"
)

const Path = "/contracts/ansWebhook"

const maxBody = 1 << 20

// Handler serves the webhook. A nil mailer answers every call with 500.
type Handler struct {
	mailer        *mailer.Mailer
	signingSecret string
	log           logx.Logger
}

func New(m *mailer.Mailer, signingSecret string, log logx.Logger) *Handler {
	return &Handler{mailer: m, signingSecret: strings.TrimSpace(signingSecret), log: log}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.POST(Path, h.handle)
}

// event holds the fields the relay reads, taken from tags first and then
// from the top level of the body.
type event struct {
	Recipient    string
	ContractID   string
	ContractName string
	Days         string
	StartDate    string
	ExpiryDate   string
	Subject      string
	Body         string
}

func (h *Handler) handle(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.signingSecret != "" && !alert.Verify(h.signingSecret, raw, c.GetHeader(alert.SignatureHeader)) {
		h.log.Warn("relay signature rejected", logx.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := parseEvent(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	log := h.log.With(logx.String("recipient", ev.Recipient), logx.String("contract_id", ev.ContractID))
	log.Info("relay webhook received")
	if ev.Recipient == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Recipient email is required"})
		return
	}

	subject, body := ev.render()
	id, err := h.mailer.Send(c.Request.Context(), mailer.Message{
		To:      []string{ev.Recipient},
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		log.Error("relay mail failed", logx.Err(err))
		if errors.Is(err, mailer.ErrNotConfigured) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Mail destination not configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send email: " + err.Error()})
		return
	}
	log.Info("relay mail sent", logx.String("message_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true, "messageId": id})
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
	raw, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return raw, nil
}

func parseEvent(raw []byte) (event, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return event{}, err
	}
	tags, _ := doc["tags"].(map[string]any)
	pick := func(key string) string {
		if v := text(tags[key]); v != "" {
			return v
		}
		return text(doc[key])
	}
	ev := event{
		Recipient:    pick(alert.TagRecipientEmail),
		ContractID:   pick(alert.TagContractID),
		ContractName: pick(alert.TagContractName),
		Days:         pick(alert.TagDaysRemaining),
		StartDate:    pick(alert.TagStartDate),
		ExpiryDate:   pick(alert.TagExpiryDate),
		Subject:      text(doc["subject"]),
		Body:         text(doc["body"]),
	}
	if ev.Recipient == "" {
		if res, ok := doc["resource"].(map[string]any); ok {
			rt, _ := res["tags"].(map[string]any)
			ev.Recipient = text(rt[alert.TagRecipientEmail])
		}
	}
	return ev, nil
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// render fills in the subject and body the producer left out.
func (e event) render() (string, string) {
	subject := e.Subject
	if subject == "" {
		subject = fmt.Sprintf("Contract %q expires in %s days", e.ContractName, e.Days)
	}
	if e.Body != "" {
		return subject, e.Body
	}
	var b strings.Builder
	b.WriteString("Dear Team,\n\n")
	b.WriteString("This is an automated notification to inform you that the following contract is expiring soon:\n\n")
	fmt.Fprintf(&b, "Contract ID: %s\n", orNA(e.ContractID))
	fmt.Fprintf(&b, "Contract Name: %s\n", orNA(e.ContractName))
	fmt.Fprintf(&b, "Start Date: %s\n", orNA(e.StartDate))
	fmt.Fprintf(&b, "Expiry Date: %s\n", orNA(e.ExpiryDate))
	fmt.Fprintf(&b, "Days Remaining: %s\n\n", orNA(e.Days))
	b.WriteString("Please take necessary action before the expiry date.\n\n")
	b.WriteString("Best regards,\nDHI Contract Management System")
	return subject, b.String()
}
