package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "contractwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		source  string
		wantErr bool
	}{
		{in: "daily@06:00", kind: SpecCron, cron: "0 6 * * *", source: "daily"},
		{in: "DAILY@23:45", kind: SpecCron, cron: "45 23 * * *", source: "daily"},
		{in: "0 6 * * *", kind: SpecCron, cron: "0 6 * * *", source: "cron"},
		{in: "@daily", kind: SpecCron, cron: "@daily", source: "cron"},
		{in: "cron:*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute, source: "hhmm"},
		{in: "every:1h", kind: SpecInterval, every: time.Hour, source: "duration"},
		{in: "daily@24:00", wantErr: true},
		{in: "daily@6", wantErr: true},
		{in: "", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) expected error, got %+v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every || got.Source != tc.source {
			t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
		}
	}
}

func TestAddScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	job := func(context.Context) error { return nil }

	if err := s.AddSchedule("", "daily@06:00", 0, job); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := s.AddSchedule("x", "daily@06:00", 0, nil); err == nil {
		t.Fatalf("nil job accepted")
	}
	if err := s.AddSchedule("x", "cron:61 * * * *", 0, job); err == nil {
		t.Fatalf("invalid cron accepted")
	}
}

func TestScheduleUpsertAndSnapshot(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "Asia/Jakarta"}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("expiry-check", "daily@06:00", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("expiry-check", "daily@07:30", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.Started || snap.Timezone != "Asia/Jakarta" || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	sc := snap.Schedules[0]
	if sc.Spec != "30 7 * * *" || sc.Source != "daily" {
		t.Fatalf("schedule = %+v", sc)
	}
	next := sc.Next.In(mustLoad(t, "Asia/Jakarta"))
	if next.Hour() != 7 || next.Minute() != 30 {
		t.Fatalf("next = %s", next)
	}
	if !s.Remove("expiry-check") || len(s.Snapshot().Schedules) != 0 {
		t.Fatalf("Remove did not drop the schedule")
	}
}

func TestDisabledSchedulerDoesNotStartCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop())
	_ = s.AddSchedule("x", "1h", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if s.Snapshot().Started {
		t.Fatalf("disabled scheduler started")
	}

	s.Apply(Config{Enabled: true})
	if !s.Snapshot().Started {
		t.Fatalf("enabling through Apply did not start")
	}
}

func TestRunNowSkipsOverlapAndRecordsHistory(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, HistorySize: 3}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	err := s.AddSchedule("slow", "1h", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started
	if err := s.RunNow("slow"); !errors.Is(err, ErrSkipped) {
		t.Fatalf("overlapping RunNow = %v, want ErrSkipped", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunNow: %v", err)
	}

	hist := s.Snapshot().History
	if len(hist) != 2 || !hist[0].Skipped || hist[1].Skipped {
		t.Fatalf("history = %+v", hist)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatalf("unknown schedule accepted")
	}
}

func TestExecuteTimeoutAndPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, HistorySize: 2}, logx.Nop())
	_ = s.AddSchedule("timeout", "1h", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_ = s.AddSchedule("panics", "1h", 0, func(context.Context) error {
		panic("boom")
	})

	if err := s.RunNow("timeout"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout run = %v", err)
	}
	if err := s.RunNow("panics"); err == nil || err.Error() != "panic: boom" {
		t.Fatalf("panic run = %v", err)
	}
	// a panicking job must not stay marked as running
	if err := s.RunNow("panics"); errors.Is(err, ErrSkipped) {
		t.Fatalf("running flag leaked after panic")
	}
	if n := len(s.Snapshot().History); n != 2 {
		t.Fatalf("history not trimmed: %d", n)
	}
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}
