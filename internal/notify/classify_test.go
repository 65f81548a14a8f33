package notify

import (
	"strings"
	"testing"
	"time"

	"contractwatch/internal/contract"
)

func TestClassifyExpiry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mode   Mode
		days   int
		want   string
		wantOK bool
	}{
		{ModeExact, 31, "", false},
		{ModeExact, 30, EventExpiry30d, true},
		{ModeExact, 29, "", false},
		{ModeExact, 14, EventExpiry14d, true},
		{ModeExact, 10, "", false},
		{ModeExact, 7, EventExpiry7d, true},
		{ModeExact, 1, "", false},
		{ModeExact, 0, "", false},
		{ModeExact, -3, "", false},

		{ModeThreshold, 31, "", false},
		{ModeThreshold, 30, EventExpiry30d, true},
		{ModeThreshold, 15, EventExpiry30d, true},
		{ModeThreshold, 14, EventExpiry14d, true},
		{ModeThreshold, 8, EventExpiry14d, true},
		{ModeThreshold, 7, EventExpiry7d, true},
		{ModeThreshold, 1, EventExpiry7d, true},
		{ModeThreshold, 0, EventExpired, true},
		{ModeThreshold, -40, EventExpired, true},
	}
	for _, tc := range cases {
		ev, ok := ClassifyExpiry(tc.mode, tc.days)
		if ok != tc.wantOK || ev.Type != tc.want {
			t.Fatalf("ClassifyExpiry(%s, %d) = %q/%v, want %q/%v", tc.mode, tc.days, ev.Type, ok, tc.want, tc.wantOK)
		}
	}
}

func TestClassifyExpirySeverityAndWindow(t *testing.T) {
	t.Parallel()

	cases := []struct {
		days   int
		window string
		sev    contract.Severity
	}{
		{30, "30d", contract.SeverityInfo},
		{14, "14d", contract.SeverityWarning},
		{7, "7d", contract.SeverityError},
		{-1, "expired", contract.SeverityError},
	}
	for _, tc := range cases {
		ev, _ := ClassifyExpiry(ModeThreshold, tc.days)
		if ev.Window != tc.window || ev.Severity != tc.sev {
			t.Fatalf("days=%d: got %s/%s, want %s/%s", tc.days, ev.Window, ev.Severity, tc.window, tc.sev)
		}
	}
}

func TestClassifyRenewal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status contract.Status
		want   string
	}{
		{contract.StatusRenewalDue, EventRenewalDue},
		{contract.StatusRenewalPending, EventRenewalPending},
		{contract.StatusRenewalCompleted, EventRenewalCompleted},
		{contract.StatusApproved, ""},
		{contract.StatusExpired, ""},
		{contract.StatusDraft, ""},
	}
	for _, tc := range cases {
		ev, ok := ClassifyRenewal(tc.status)
		if ev.Type != tc.want || ok != (tc.want != "") {
			t.Fatalf("ClassifyRenewal(%s) = %q/%v", tc.status, ev.Type, ok)
		}
		if ok && ev.Kind != KindRenewal {
			t.Fatalf("kind = %s", ev.Kind)
		}
	}
}

func TestShouldAdvance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		days      int
		threshold int
		status    contract.Status
		want      bool
	}{
		{10, 30, contract.StatusApproved, true},
		{30, 30, contract.StatusApproved, true},
		{31, 30, contract.StatusApproved, false},
		{0, 30, contract.StatusApproved, false},
		{-2, 30, contract.StatusApproved, false},
		{10, 30, contract.StatusSubmitted, false},
		{10, 30, contract.StatusRenewalDue, false},
		{20, 14, contract.StatusApproved, false},
	}
	for _, tc := range cases {
		if got := ShouldAdvance(tc.days, tc.threshold, tc.status); got != tc.want {
			t.Fatalf("ShouldAdvance(%d, %d, %s) = %v", tc.days, tc.threshold, tc.status, got)
		}
	}
}

func TestManualEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		days int
		sev  contract.Severity
	}{
		{3, contract.SeverityError},
		{7, contract.SeverityError},
		{12, contract.SeverityWarning},
		{15, contract.SeverityWarning},
		{45, contract.SeverityInfo},
	}
	for _, tc := range cases {
		ev := manualEvent(tc.days)
		if ev.Type != EventExpiryManual || ev.Severity != tc.sev {
			t.Fatalf("manualEvent(%d) = %+v", tc.days, ev)
		}
		if !strings.HasSuffix(ev.Window, "d") {
			t.Fatalf("window = %q", ev.Window)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeThreshold, "EXACT": ModeExact, " threshold ": ModeThreshold} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestResolveRecipients(t *testing.T) {
	t.Parallel()

	c := contract.Contract{Company: &contract.Company{Admins: []contract.Admin{
		{Email: "a@x.test"},
		{Email: "  "},
		{Email: "not-an-address"},
		{Email: "Jane <B@x.test>"},
		{Email: "A@X.test"},
		{Email: "c@x.test"},
	}}}
	got := strings.Join(ResolveRecipients(c), ",")
	if got != "a@x.test,B@x.test,c@x.test" {
		t.Fatalf("recipients = %s", got)
	}
	if r := ResolveRecipients(contract.Contract{}); len(r) != 0 {
		t.Fatalf("no company should yield no recipients, got %v", r)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	end, _ := contract.ParseDate("2026-10-16")
	c := contract.Contract{ID: "x", ContractID: "C-9", Name: "Hosting", EndDate: end, Status: contract.StatusApproved}

	ev, _ := ClassifyExpiry(ModeThreshold, 1)
	subject, body := Render(c, ev, 1)
	if subject != `Contract "Hosting" expires in 1 day` {
		t.Fatalf("subject = %q", subject)
	}
	for _, want := range []string{"Contract ID: C-9", "Expiry Date: October 16, 2026", "Description: N/A", "Days Remaining: 1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}

	ev, _ = ClassifyExpiry(ModeThreshold, -2)
	if subject, _ := Render(c, ev, -2); subject != `Contract "Hosting" has expired` {
		t.Fatalf("expired subject = %q", subject)
	}
	ev, _ = ClassifyRenewal(contract.StatusRenewalDue)
	if subject, _ := Render(c, ev, 9); !strings.Contains(subject, "due for renewal") {
		t.Fatalf("renewal subject = %q", subject)
	}

	p := BuildPayload(c, ev, 9, "ops@x.test", end.Add(-24*time.Hour))
	if p.Recipient() != "ops@x.test" || p.Tags["daysRemaining"] != "9" || p.Tags["reminderWindow"] != "renewal-due" {
		t.Fatalf("payload = %+v", p)
	}
}
