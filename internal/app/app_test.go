package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"contractwatch/internal/alert"
	"contractwatch/internal/config"
	"contractwatch/internal/notify"
	"contractwatch/internal/storage"
	"contractwatch/internal/task/scheduler"
	logx "contractwatch/pkg/logx"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	raw := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "server": {"enabled": false},
  "scheduler": {"enabled": false, "schedule": "daily@06:00", "timeout": "1m"%s},
  "notifications": {"mode": "threshold", "threshold_days": 30},
  "alerts": {"driver": "log"},
  "storage": {"driver": "file", "path": %q}
}`, extra, filepath.Join(dir, "data", "cw"))
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func seed(t *testing.T, st storage.Store, days int) {
	t.Helper()
	end := time.Now().AddDate(0, 0, days).Format("2006-01-02")
	fx := fmt.Sprintf(`{
  "companies": [{"code": "ACME", "name": "Acme", "admins": [{"email": "ops@acme.test"}]}],
  "contracts": [{"id": "c1", "contractId": "C-001", "name": "Hosting", "endDate": %q, "status": "Approved", "companyCode": "ACME"}]
}`, end)
	if _, _, err := storage.Seed(context.Background(), st, strings.NewReader(fx)); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func sentEvent(sum notify.Summary, event string) bool {
	for _, d := range sum.Details {
		if d.Event == event && d.Status == notify.DetailSent {
			return true
		}
	}
	return false
}

func TestAppScheduledRunIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	a, err := New(ctx, writeConfig(t, dir, ""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.Stop(stopCtx, StopUnknown); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	seed(t, a.store, 7)
	if err := a.runScheduled(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	last, ok := a.Notify().LastRun()
	if !ok || last.Sent != 1 || last.Trigger != notify.TriggerSchedule {
		t.Fatalf("first run summary = %+v", last)
	}

	// The first run advanced the contract; its renewal notice goes out now.
	if err := a.runScheduled(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if last, _ = a.Notify().LastRun(); last.Sent != 1 || !sentEvent(last, notify.EventRenewalDue) {
		t.Fatalf("second run summary = %+v", last)
	}

	if err := a.runScheduled(ctx); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if last, _ = a.Notify().LastRun(); last.Sent != 0 {
		t.Fatalf("third run sent %d", last.Sent)
	}

	h := a.health()
	if _, ok := h["scheduler"]; !ok {
		t.Fatalf("health = %v", h)
	}
	if _, ok := h["lastRun"]; !ok {
		t.Fatalf("health missing lastRun: %v", h)
	}
}

// blockingSender parks the first delivery until released.
type blockingSender struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, p alert.Payload) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return nil
}

func TestAppRunScheduledSkipsWhileBusy(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), writeConfig(t, t.TempDir(), ""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()

	seed(t, a.store, 5)
	snd := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	a.svc = notify.NewService(a.store, snd, logx.Nop(), notify.Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.svc.Run(context.Background(), notify.TriggerAPI)
	}()
	<-snd.entered

	if err := a.runScheduled(context.Background()); !errors.Is(err, scheduler.ErrSkipped) {
		t.Fatalf("runScheduled = %v", err)
	}
	close(snd.release)
	<-done
}

func TestApplyConfigReschedulesAndRetunes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, err := New(context.Background(), writeConfig(t, dir, ""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()

	prev := a.cfgm.Get()
	next, err := config.Decode("config.json", []byte(fmt.Sprintf(`{
  "scheduler": {"enabled": false, "schedule": "30 7 * * *", "timeout": "2m"},
  "notifications": {"mode": "exact", "threshold_days": 10, "workers": 3},
  "alerts": {"driver": "log"},
  "storage": {"driver": "file", "path": %q}
}`, filepath.Join(dir, "data", "cw"))))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a.applyConfig(prev, next)

	if a.schedule != "30 7 * * *" || a.timeout != 2*time.Minute {
		t.Fatalf("schedule = %q timeout = %v", a.schedule, a.timeout)
	}
	snap := a.sched.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "30 7 * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	opts := a.svc.Options()
	if opts.Mode != notify.ModeExact || opts.ThresholdDays != 10 || opts.Workers != 3 {
		t.Fatalf("options = %+v", opts)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"alerts": {"driver": "carrier-pigeon"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), path); err == nil || !strings.Contains(err.Error(), "alerts.driver") {
		t.Fatalf("New = %v", err)
	}
}

func TestSeedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	fx := filepath.Join(dir, "fixture.json")
	if err := os.WriteFile(fx, []byte(`{
  "companies": [{"code": "ACME", "name": "Acme"}],
  "contracts": [{"id": "c1", "name": "Hosting", "endDate": "2030-01-01", "status": "Approved", "companyCode": "ACME"}]
}`), 0o644); err != nil {
		t.Fatal(err)
	}
	companies, contracts, err := SeedFile(context.Background(), cfgPath, fx)
	if err != nil || companies != 1 || contracts != 1 {
		t.Fatalf("SeedFile = %d, %d, %v", companies, contracts, err)
	}
	if _, _, err := SeedFile(context.Background(), cfgPath, filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing fixture")
	}
}
