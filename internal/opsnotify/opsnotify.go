// Package opsnotify posts run summaries and high-severity log lines to an
// operator Telegram chat.
package opsnotify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"contractwatch/internal/notify"
	logx "contractwatch/pkg/logx"
)

const textLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Summaries posts every finished run, not only failing ones.
	Summaries bool
}

// Poster is satisfied by *tele.Bot.
type Poster interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Notifier struct {
	bot       Poster
	chat      *tele.Chat
	threadID  int
	summaries bool
	log       logx.Logger
}

// New creates an offline bot: it only sends and never polls for updates.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("opsnotify: token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("opsnotify: %w", err)
	}
	return NewWithPoster(cfg, b, log)
}

func NewWithPoster(cfg Config, p Poster, log logx.Logger) (*Notifier, error) {
	if cfg.ChatID == 0 {
		return nil, errors.New("opsnotify: chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		bot:       p,
		chat:      &tele.Chat{ID: cfg.ChatID},
		threadID:  cfg.ThreadID,
		summaries: cfg.Summaries,
		log:       log,
	}, nil
}

// SendText posts text, split into Telegram-sized chunks. It satisfies
// logx.Sink.
func (n *Notifier) SendText(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := n.bot.Send(n.chat, chunk, &tele.SendOptions{
			ThreadID:              n.threadID,
			DisableWebPagePreview: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnRun posts sum when summaries are enabled or the run had failures. It
// is meant for notify.Service.OnRunComplete.
func (n *Notifier) OnRun(ctx context.Context, sum notify.Summary) {
	if !n.summaries && sum.Failed == 0 {
		return
	}
	if err := n.SendText(ctx, FormatSummary(sum)); err != nil {
		n.log.Warn("run summary post failed", logx.String("run_id", sum.RunID), logx.Err(err))
	}
}

// FormatSummary renders a plain-text run report.
func FormatSummary(sum notify.Summary) string {
	var b strings.Builder
	icon := "✅"
	if sum.Failed > 0 {
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s Contract expiry check (%s, %s mode)\n", icon, sum.Trigger, sum.Mode)
	fmt.Fprintf(&b, "checked %d · sent %d · failed %d · skipped %d · advanced %d\n",
		sum.TotalChecked, sum.Sent, sum.Failed, sum.Skipped, sum.Advanced)
	fmt.Fprintf(&b, "took %s · run %s\n", sum.Duration().Round(time.Millisecond), sum.RunID)

	var failed []notify.Detail
	for _, d := range sum.Details {
		if d.Status == notify.DetailFailed {
			failed = append(failed, d)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nFailures:\n")
		for _, d := range failed {
			fmt.Fprintf(&b, "• %s %s (%d days): %s\n", d.ContractID, d.Event, d.DaysRemaining, d.Reason)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}
		for i := end - 1; i > start+limit/3; i-- {
			if rs[i] == '\n' {
				end = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
