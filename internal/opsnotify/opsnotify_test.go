package opsnotify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"contractwatch/internal/notify"
	logx "contractwatch/pkg/logx"
)

type fakePoster struct {
	texts   []string
	threads []int
	err     error
}

func (f *fakePoster) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.texts = append(f.texts, what.(string))
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.threads = append(f.threads, so.ThreadID)
		}
	}
	return &tele.Message{ID: len(f.texts)}, nil
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	t.Parallel()
	p := &fakePoster{}
	n, err := NewWithPoster(Config{ChatID: -100, ThreadID: 7}, p, logx.Nop())
	if err != nil {
		t.Fatalf("NewWithPoster: %v", err)
	}
	line := strings.Repeat("x", 99) + "\n"
	if err := n.SendText(context.Background(), strings.Repeat(line, 100)); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(p.texts) != 3 {
		t.Fatalf("chunks = %d", len(p.texts))
	}
	for i, txt := range p.texts {
		if len([]rune(txt)) > textLimit {
			t.Fatalf("chunk %d too long: %d", i, len(txt))
		}
		if p.threads[i] != 7 {
			t.Fatalf("thread = %d", p.threads[i])
		}
	}
}

func TestNewRequiresChat(t *testing.T) {
	t.Parallel()
	if _, err := NewWithPoster(Config{}, &fakePoster{}, logx.Nop()); err == nil {
		t.Fatalf("missing chat accepted")
	}
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatalf("missing token accepted")
	}
}

func TestOnRunPostsFailuresOrWhenEnabled(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)
	ok := notify.Summary{RunID: "r1", Trigger: notify.TriggerSchedule, Mode: notify.ModeThreshold, TotalChecked: 4, Sent: 2, StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)}
	bad := ok
	bad.Failed = 1
	bad.Details = []notify.Detail{{ContractID: "C-7", Event: notify.EventExpiry7d, DaysRemaining: 5, Status: notify.DetailFailed, Reason: notify.NoRecipientError}}

	p := &fakePoster{}
	n, _ := NewWithPoster(Config{ChatID: 1}, p, logx.Nop())
	n.OnRun(context.Background(), ok)
	if len(p.texts) != 0 {
		t.Fatalf("clean run posted without summaries enabled")
	}
	n.OnRun(context.Background(), bad)
	if len(p.texts) != 1 || !strings.Contains(p.texts[0], "C-7 contractExpiry7d (5 days): "+notify.NoRecipientError) {
		t.Fatalf("texts = %q", p.texts)
	}

	p2 := &fakePoster{}
	n2, _ := NewWithPoster(Config{ChatID: 1, Summaries: true}, p2, logx.Nop())
	n2.OnRun(context.Background(), ok)
	if len(p2.texts) != 1 || !strings.Contains(p2.texts[0], "checked 4 · sent 2") || !strings.Contains(p2.texts[0], "took 1.5s") {
		t.Fatalf("texts = %q", p2.texts)
	}

	p3 := &fakePoster{err: errors.New("telegram: Too Many Requests")}
	n3, _ := NewWithPoster(Config{ChatID: 1}, p3, logx.Nop())
	n3.OnRun(context.Background(), bad) // logs and returns
}
