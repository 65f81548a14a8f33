package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"contractwatch/internal/alert"
	"contractwatch/internal/contract"
	"contractwatch/internal/storage"
	logx "contractwatch/pkg/logx"
)

var testNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

type fakeSender struct {
	mu     sync.Mutex
	sent   []alert.Payload
	failTo map[string]bool
}

func (f *fakeSender) Send(ctx context.Context, p alert.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[p.Recipient()] {
		return errors.New("smtp 550 mailbox unavailable")
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// faultyStore injects errors into selected calls of a real store.
type faultyStore struct {
	storage.Store
	wasSentErr map[string]error
	listErr    error
}

func (s *faultyStore) WasSent(ctx context.Context, contractID, eventType string) (bool, error) {
	if err := s.wasSentErr[contractID]; err != nil {
		return false, err
	}
	return s.Store.WasSent(ctx, contractID, eventType)
}

func (s *faultyStore) ListContractsWithEndDate(ctx context.Context) ([]contract.Contract, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.ListContractsWithEndDate(ctx)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "cw"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.SaveCompany(ctx, contract.Company{Code: "ACME", Name: "Acme", Admins: []contract.Admin{
		{Email: "first@acme.test"}, {Email: "second@acme.test"},
	}}); err != nil {
		t.Fatalf("SaveCompany: %v", err)
	}
	if err := st.SaveCompany(ctx, contract.Company{Code: "EMPTY", Name: "Nobody"}); err != nil {
		t.Fatalf("SaveCompany: %v", err)
	}
	return st
}

func addContract(t *testing.T, st storage.Store, id string, days int, status contract.Status, company string) {
	t.Helper()
	end := time.Date(2026, 10, 15+days, 0, 0, 0, 0, time.UTC)
	err := st.SaveContract(context.Background(), contract.Contract{
		ID: id, ContractID: strings.ToUpper(id), Name: "Contract " + id,
		EndDate: &end, Status: status, CompanyCode: company,
	})
	if err != nil {
		t.Fatalf("SaveContract(%s): %v", id, err)
	}
}

func newTestService(st storage.Store, snd alert.Sender, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return NewService(st, snd, logx.Nop(), opts, WithClock(func() time.Time { return testNow }))
}

func detailFor(sum Summary, contractID, event string) (Detail, bool) {
	for _, d := range sum.Details {
		if d.ContractID == contractID && d.Event == event {
			return d, true
		}
	}
	return Detail{}, false
}

func TestRunIsIdempotentAndDefersRenewal(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 10, contract.StatusApproved, "ACME")
	snd := &fakeSender{}
	svc := newTestService(st, snd, Options{Mode: ModeThreshold, ThresholdDays: 30})
	ctx := context.Background()

	first, err := svc.Run(ctx, TriggerAPI)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, ok := detailFor(first, "C1", EventExpiry14d)
	if !ok || d.Status != DetailSent || !d.Advanced {
		t.Fatalf("first run detail = %+v (found %v)", d, ok)
	}
	if first.Sent != 1 || first.Advanced != 1 || first.TotalChecked != 1 {
		t.Fatalf("first run counts = %+v", first)
	}
	if snd.count() != 2 {
		t.Fatalf("deliveries after first run = %d", snd.count())
	}
	c, err := st.GetContract(ctx, "c1")
	if err != nil || c.Status != contract.StatusRenewalDue {
		t.Fatalf("status after advance = %s, %v", c.Status, err)
	}

	second, err := svc.Run(ctx, TriggerSchedule)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d, _ := detailFor(second, "C1", EventExpiry14d); d.Status != DetailSkipped {
		t.Fatalf("expiry should be skipped on second run: %+v", d)
	}
	if d, _ := detailFor(second, "C1", EventRenewalDue); d.Status != DetailSent {
		t.Fatalf("renewal notice should go out on second run: %+v", second.Details)
	}
	if second.Advanced != 0 {
		t.Fatalf("advance must happen once, got %d", second.Advanced)
	}

	third, err := svc.Run(ctx, TriggerSchedule)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if third.Sent != 0 || third.Skipped != 2 {
		t.Fatalf("third run = %+v", third)
	}
	if snd.count() != 4 {
		t.Fatalf("total deliveries = %d, want 4", snd.count())
	}
}

func TestRunPartialRecipientFailure(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 7, contract.StatusSubmitted, "ACME")
	snd := &fakeSender{failTo: map[string]bool{"second@acme.test": true}}
	svc := newTestService(st, snd, Options{})
	ctx := context.Background()

	sum, err := svc.Run(ctx, TriggerAPI)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, _ := detailFor(sum, "C1", EventExpiry7d)
	if d.Status != DetailSent || d.Reason != "1 of 2 recipients failed" || d.Severity != "ERROR" {
		t.Fatalf("detail = %+v", d)
	}

	logs, err := st.ListNotificationLogs(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("ListNotificationLogs: %v", err)
	}
	var sent, failed int
	for _, l := range logs {
		switch l.Status {
		case contract.DeliverySent:
			sent++
			if l.Recipient != "first@acme.test" {
				t.Fatalf("sent row recipient = %s", l.Recipient)
			}
		case contract.DeliveryFailed:
			failed++
			if !strings.Contains(l.Error, "550") {
				t.Fatalf("failed row error = %q", l.Error)
			}
		}
	}
	if sent != 1 || failed != 1 {
		t.Fatalf("rows sent=%d failed=%d", sent, failed)
	}

	// One delivered recipient closes the event for everyone.
	again, _ := svc.Run(ctx, TriggerAPI)
	if d, _ := detailFor(again, "C1", EventExpiry7d); d.Status != DetailSkipped {
		t.Fatalf("second run detail = %+v", d)
	}
}

func TestRunAllRecipientsFailRetriesNextRun(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 3, contract.StatusSubmitted, "ACME")
	snd := &fakeSender{failTo: map[string]bool{"first@acme.test": true, "second@acme.test": true}}
	svc := newTestService(st, snd, Options{})
	ctx := context.Background()

	sum, _ := svc.Run(ctx, TriggerAPI)
	if sum.Failed != 1 || sum.Sent != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	snd.mu.Lock()
	snd.failTo = nil
	snd.mu.Unlock()

	sum, _ = svc.Run(ctx, TriggerAPI)
	if sum.Sent != 1 {
		t.Fatalf("retry run = %+v", sum)
	}
}

func TestRunNoRecipients(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 5, contract.StatusSubmitted, "EMPTY")
	snd := &fakeSender{}
	svc := newTestService(st, snd, Options{})
	ctx := context.Background()

	sum, err := svc.Run(ctx, TriggerAPI)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, _ := detailFor(sum, "C1", EventExpiry7d)
	if d.Status != DetailFailed || d.Reason != NoRecipientError {
		t.Fatalf("detail = %+v", d)
	}
	logs, _ := st.ListNotificationLogs(ctx, "c1", 0)
	if len(logs) != 1 || logs[0].Recipient != "" || logs[0].Error != NoRecipientError || logs[0].Status != contract.DeliveryFailed {
		t.Fatalf("logs = %+v", logs)
	}
	if snd.count() != 0 {
		t.Fatalf("nothing should be delivered")
	}
}

func TestRunModes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		mode      Mode
		days      int
		wantEvent string
	}{
		{"exact on window", ModeExact, 14, EventExpiry14d},
		{"exact between windows", ModeExact, 10, ""},
		{"exact expired", ModeExact, -1, ""},
		{"threshold between windows", ModeThreshold, 10, EventExpiry14d},
		{"threshold expired", ModeThreshold, -1, EventExpired},
		{"threshold outside", ModeThreshold, 45, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := newTestStore(t)
			addContract(t, st, "c1", tc.days, contract.StatusSubmitted, "ACME")
			svc := newTestService(st, &fakeSender{}, Options{Mode: tc.mode})

			sum, err := svc.Run(context.Background(), TriggerAPI)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if tc.wantEvent == "" {
				if len(sum.Details) != 0 {
					t.Fatalf("unexpected details %+v", sum.Details)
				}
				return
			}
			if d, ok := detailFor(sum, "C1", tc.wantEvent); !ok || d.Status != DetailSent {
				t.Fatalf("details = %+v", sum.Details)
			}
		})
	}
}

func TestRunAdvancesInExactModeWithoutEvent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 10, contract.StatusApproved, "ACME")
	svc := newTestService(st, &fakeSender{}, Options{Mode: ModeExact})

	sum, err := svc.Run(context.Background(), TriggerAPI)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Advanced != 1 || len(sum.Details) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunStoreErrorIsolated(t *testing.T) {
	t.Parallel()
	base := newTestStore(t)
	addContract(t, base, "bad", 5, contract.StatusSubmitted, "ACME")
	addContract(t, base, "good", 6, contract.StatusSubmitted, "ACME")
	st := &faultyStore{Store: base, wasSentErr: map[string]error{"bad": errors.New("disk on fire")}}
	svc := newTestService(st, &fakeSender{}, Options{})

	sum, err := svc.Run(context.Background(), TriggerAPI)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	bad, _ := detailFor(sum, "BAD", EventExpiry7d)
	if bad.Status != DetailFailed || !strings.Contains(bad.Reason, "disk on fire") {
		t.Fatalf("bad detail = %+v", bad)
	}
	if good, _ := detailFor(sum, "GOOD", EventExpiry7d); good.Status != DetailSent {
		t.Fatalf("good detail = %+v", good)
	}
}

func TestRunListErrorFailsRun(t *testing.T) {
	t.Parallel()
	st := &faultyStore{Store: newTestStore(t), listErr: errors.New("connection refused")}
	svc := newTestService(st, &fakeSender{}, Options{})
	if _, err := svc.Run(context.Background(), TriggerAPI); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	if _, ok := svc.LastRun(); ok {
		t.Fatalf("failed run must not replace the last summary")
	}
}

func TestRunRejectsOverlap(t *testing.T) {
	t.Parallel()
	svc := newTestService(newTestStore(t), &fakeSender{}, Options{})
	svc.runMu.Lock()
	defer svc.runMu.Unlock()
	if _, err := svc.Run(context.Background(), TriggerAPI); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestRunKeepsContractOrderWithWorkers(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	for i, days := range []int{2, 4, 6, 9, 12, 20, 25} {
		addContract(t, st, string(rune('a'+i)), days, contract.StatusSubmitted, "ACME")
	}
	svc := newTestService(st, &fakeSender{}, Options{Workers: 4})

	sum, err := svc.Run(context.Background(), TriggerAPI)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var ids []string
	for _, d := range sum.Details {
		ids = append(ids, d.ContractID)
	}
	if got := strings.Join(ids, ""); got != "ABCDEFG" {
		t.Fatalf("detail order = %s", got)
	}
	if svc.locks.size() != 0 {
		t.Fatalf("locks leaked: %d", svc.locks.size())
	}
}

func TestRunHooksAndLastRun(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 1, contract.StatusSubmitted, "ACME")
	svc := newTestService(st, &fakeSender{}, Options{})

	var got []Summary
	svc.OnRunComplete(func(s Summary) { got = append(got, s) })
	sum, err := svc.Run(context.Background(), TriggerStartup)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0].RunID != sum.RunID {
		t.Fatalf("hook calls = %+v", got)
	}
	last, ok := svc.LastRun()
	if !ok || last.RunID != sum.RunID || last.Trigger != TriggerStartup {
		t.Fatalf("LastRun = %+v, %v", last, ok)
	}
}

func TestApplyTakesEffectNextRun(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 10, contract.StatusSubmitted, "ACME")
	svc := newTestService(st, &fakeSender{}, Options{Mode: ModeExact})

	sum, _ := svc.Run(context.Background(), TriggerAPI)
	if len(sum.Details) != 0 {
		t.Fatalf("exact mode should not fire at 10 days: %+v", sum.Details)
	}
	svc.Apply(Options{Mode: ModeThreshold, Location: time.UTC})
	sum, _ = svc.Run(context.Background(), TriggerAPI)
	if sum.Sent != 1 || sum.Mode != ModeThreshold {
		t.Fatalf("after Apply = %+v", sum)
	}
}

func TestSendOne(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "win", 14, contract.StatusSubmitted, "ACME")
	addContract(t, st, "off", 20, contract.StatusSubmitted, "ACME")
	addContract(t, st, "gone", -2, contract.StatusSubmitted, "ACME")
	if err := st.SaveContract(context.Background(), contract.Contract{ID: "nodate", Name: "No date", Status: contract.StatusSubmitted, CompanyCode: "ACME"}); err != nil {
		t.Fatalf("SaveContract: %v", err)
	}
	snd := &fakeSender{}
	svc := newTestService(st, snd, Options{Mode: ModeExact})
	ctx := context.Background()

	t.Run("errors", func(t *testing.T) {
		if _, err := svc.SendOne(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("missing: %v", err)
		}
		if _, err := svc.SendOne(ctx, "nodate"); !errors.Is(err, ErrNoEndDate) {
			t.Fatalf("nodate: %v", err)
		}
		if _, err := svc.SendOne(ctx, "gone"); !errors.Is(err, ErrAlreadyExpired) {
			t.Fatalf("gone: %v", err)
		}
	})

	t.Run("window event bypasses gate", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			sum, err := svc.SendOne(ctx, "WIN")
			if err != nil {
				t.Fatalf("SendOne: %v", err)
			}
			if sum.Trigger != TriggerManual || sum.Sent != 1 || sum.Details[0].Event != EventExpiry14d {
				t.Fatalf("summary = %+v", sum)
			}
		}
		logs, _ := st.ListNotificationLogs(ctx, "win", 0)
		for _, l := range logs {
			if l.SentKey != "" {
				t.Fatalf("manual rows carry no sent key: %+v", l)
			}
		}
		// Manual Sent rows still close the event for scheduled runs.
		sent, err := st.WasSent(ctx, "win", EventExpiry14d)
		if err != nil || !sent {
			t.Fatalf("WasSent = %v, %v", sent, err)
		}
	})

	t.Run("off window uses manual event", func(t *testing.T) {
		sum, err := svc.SendOne(ctx, "off")
		if err != nil {
			t.Fatalf("SendOne: %v", err)
		}
		d := sum.Details[0]
		if d.Event != EventExpiryManual || d.Severity != "INFO" || d.DaysRemaining != 20 {
			t.Fatalf("detail = %+v", d)
		}
		logs, _ := st.ListNotificationLogs(ctx, "off", 0)
		if len(logs) != 2 || logs[0].ReminderWindow != "20d" {
			t.Fatalf("logs = %+v", logs)
		}
	})
}

func TestKeyedLocksSerializeAndForget(t *testing.T) {
	t.Parallel()
	k := newKeyedLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("c1|ev")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max holders = %d", maxSeen)
	}
	if k.size() != 0 {
		t.Fatalf("size = %d", k.size())
	}
}

func TestRunRenewalUsesStoredStatusAfterEndDate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mode   Mode
		status contract.Status
		want   []string
	}{
		{"pending threshold", ModeThreshold, contract.StatusRenewalPending, []string{EventExpired, EventRenewalPending}},
		{"due exact", ModeExact, contract.StatusRenewalDue, []string{EventRenewalDue}},
		{"completed threshold", ModeThreshold, contract.StatusRenewalCompleted, []string{EventExpired, EventRenewalCompleted}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := newTestStore(t)
			addContract(t, st, "c1", -3, tc.status, "ACME")
			svc := newTestService(st, &fakeSender{}, Options{Mode: tc.mode})

			sum, err := svc.Run(context.Background(), TriggerSchedule)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(sum.Details) != len(tc.want) {
				t.Fatalf("details = %+v", sum.Details)
			}
			for _, ev := range tc.want {
				if d, ok := detailFor(sum, "C1", ev); !ok || d.Status != DetailSent {
					t.Fatalf("%s: detail = %+v (found %v)", ev, d, ok)
				}
			}
		})
	}
}

func TestRunSendsExpiryAndRenewalInOnePass(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	addContract(t, st, "c1", 30, contract.StatusRenewalDue, "ACME")
	snd := &fakeSender{}
	svc := newTestService(st, snd, Options{Mode: ModeExact})

	sum, err := svc.Run(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, ev := range []string{EventExpiry30d, EventRenewalDue} {
		if d, ok := detailFor(sum, "C1", ev); !ok || d.Status != DetailSent {
			t.Fatalf("%s: detail = %+v (found %v)", ev, d, ok)
		}
	}
	if sum.Sent != 2 || sum.Advanced != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if snd.count() != 4 {
		t.Fatalf("deliveries = %d, want 4", snd.count())
	}
}

func TestRunHooksFireAfterGuardReleased(t *testing.T) {
	t.Parallel()
	svc := newTestService(newTestStore(t), &fakeSender{}, Options{})

	var nested error
	svc.OnRunComplete(func(s Summary) {
		if s.Trigger == TriggerSchedule {
			_, nested = svc.Run(context.Background(), TriggerAPI)
		}
	})
	if _, err := svc.Run(context.Background(), TriggerSchedule); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if nested != nil {
		t.Fatalf("run started from hook = %v", nested)
	}
	if last, _ := svc.LastRun(); last.Trigger != TriggerAPI {
		t.Fatalf("last trigger = %q", last.Trigger)
	}
}

// ctxStore fails log writes whose context is already done.
type ctxStore struct {
	storage.Store
}

func (s ctxStore) AppendNotificationLog(ctx context.Context, e contract.NotificationLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.AppendNotificationLog(ctx, e)
}

func TestDispatchNoRecipientRowSurvivesCancel(t *testing.T) {
	t.Parallel()
	st := ctxStore{Store: newTestStore(t)}
	addContract(t, st, "c1", 5, contract.StatusSubmitted, "EMPTY")
	c, err := st.GetContract(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetContract: %v", err)
	}
	ev, _ := ClassifyExpiry(ModeThreshold, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDispatcher(&fakeSender{}, st, logx.Nop())
	if _, err := d.Dispatch(ctx, c, ev, 5, nil, true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rows, err := st.ListNotificationLogs(context.Background(), "c1", 0)
	if err != nil {
		t.Fatalf("ListNotificationLogs: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != contract.DeliveryFailed || rows[0].Error != NoRecipientError {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"abécd", 3, "ab"},
		{"日本語", 4, "日"},
		{"日本", 2, ""},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		if got != tc.want || !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
