package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "contractwatch/pkg/logx"
)

// ErrSkipped is recorded when a trigger fires while the previous run of the
// same schedule is still going.
var ErrSkipped = errors.New("scheduler: previous run still in progress")

// AddSchedule parses schedule and registers job under name, replacing any
// schedule with the same name. See ParseSchedule for the formats.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		source:  ps.Source,
		timeout: timeout,
		job:     job,
		running: &atomic.Bool{},
	})
	d := &s.defs[len(s.defs)-1]
	if s.c == nil {
		// Registered when Start runs.
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	eid, err := s.c.AddJob(d.spec, cron.FuncJob(func() { _ = s.execute(def) }))
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// execute runs one trigger of d: skip if running, apply the timeout, and
// turn a panic into an error.
func (s *Service) execute(d scheduleDef) error {
	started := time.Now()
	if !d.running.CompareAndSwap(false, true) {
		s.log.Warn("schedule trigger skipped", logx.String("schedule", d.name), logx.Err(ErrSkipped))
		s.record(HistoryItem{Name: d.name, Started: started, Skipped: true, Error: ErrSkipped.Error()})
		return ErrSkipped
	}
	defer d.running.Store(false)

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx := base
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("schedule panic", logx.String("schedule", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return d.job(ctx)
	}()

	it := HistoryItem{Name: d.name, Started: started, Duration: time.Since(started)}
	if err != nil {
		it.Error = err.Error()
		s.log.Error("schedule run failed", logx.String("schedule", d.name), logx.Duration("took", it.Duration), logx.Err(err))
	} else {
		s.log.Debug("schedule run done", logx.String("schedule", d.name), logx.Duration("took", it.Duration))
	}
	s.record(it)
	return err
}

// RunNow triggers name immediately on the caller's goroutine, under the
// same overlap rule as a scheduled trigger. It returns the job's error.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var (
		def   scheduleDef
		found bool
	)
	for _, d := range s.defs {
		if d.name == name {
			def, found = d, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.execute(def)
}

// previewNextRunsLocked lists the next n run times at debug level only.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}
