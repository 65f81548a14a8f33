// Package notify runs the contract expiry and renewal notification pass.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"contractwatch/internal/alert"
	"contractwatch/internal/contract"
	"contractwatch/internal/storage"
	logx "contractwatch/pkg/logx"
)

var (
	ErrRunInProgress  = errors.New("notify: a run is already in progress")
	ErrNoEndDate      = errors.New("notify: contract has no end date")
	ErrAlreadyExpired = errors.New("notify: contract has already expired")
)

const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
)

// Options are the live-reloadable settings of a Service.
type Options struct {
	Mode          Mode
	ThresholdDays int
	Workers       int
	Location      *time.Location
}

func (o Options) normalized() Options {
	if o.Mode != ModeExact {
		o.Mode = ModeThreshold
	}
	if o.ThresholdDays <= 0 {
		o.ThresholdDays = 30
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

type Service struct {
	store storage.Store
	disp  *Dispatcher
	log   logx.Logger
	now   func() time.Time

	opts atomic.Pointer[Options]

	// runMu makes runs mutually exclusive within the process.
	runMu sync.Mutex
	// locks serializes the gate check and log writes per (contract, event).
	locks *keyedLocks

	lastMu sync.RWMutex
	last   *Summary

	hooksMu sync.Mutex
	hooks   []func(Summary)
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.disp.now = now
	}
}

func NewService(store storage.Store, sender alert.Sender, log logx.Logger, opts Options, options ...Option) *Service {
	s := &Service{
		store: store,
		disp:  NewDispatcher(sender, store, log),
		log:   log,
		now:   time.Now,
		locks: newKeyedLocks(),
	}
	s.Apply(opts)
	for _, o := range options {
		o(s)
	}
	return s
}

// Apply swaps the options used by the next run.
func (s *Service) Apply(opts Options) {
	o := opts.normalized()
	s.opts.Store(&o)
}

func (s *Service) Options() Options { return *s.opts.Load() }

// OnRunComplete registers fn to be called after every finished run.
func (s *Service) OnRunComplete(fn func(Summary)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// LastRun returns the summary of the most recent finished run.
func (s *Service) LastRun() (Summary, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Run evaluates every contract that has an end date. It returns an error only
// when the run cannot start; per-contract problems end up in the summary.
func (s *Service) Run(ctx context.Context, trigger string) (Summary, error) {
	sum, err := s.runLocked(ctx, trigger)
	if err != nil {
		return sum, err
	}
	// Hooks run after the run guard is released.
	s.fireHooks(sum)
	return sum, nil
}

func (s *Service) runLocked(ctx context.Context, trigger string) (Summary, error) {
	if !s.runMu.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	opts := s.Options()
	sum := Summary{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		Mode:      opts.Mode,
		Threshold: opts.ThresholdDays,
		StartedAt: s.now(),
	}
	log := s.log.With(logx.String("run_id", sum.RunID), logx.String("trigger", trigger))
	log.Info("expiry notification check started",
		logx.String("mode", string(opts.Mode)),
		logx.Int("threshold", opts.ThresholdDays),
	)

	contracts, err := s.store.ListContractsWithEndDate(ctx)
	if err != nil {
		log.Error("cannot list contracts", logx.Err(err))
		return Summary{}, fmt.Errorf("list contracts: %w", err)
	}
	sum.TotalChecked = len(contracts)
	today := s.now().In(opts.Location)

	results := make([]contractResult, len(contracts))
	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for i := range contracts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = s.evaluate(ctx, log, contracts[i], opts, today)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		sum.Details = append(sum.Details, r.details...)
		if r.advanced {
			sum.Advanced++
		}
	}
	sum.tally()
	sum.FinishedAt = s.now()
	sum.Message = "expiry notification check completed"
	if ctx.Err() != nil {
		sum.Message = "expiry notification check interrupted"
	}
	if sum.Details == nil {
		sum.Details = []Detail{}
	}

	log.Info(sum.Message,
		logx.Int("total_checked", sum.TotalChecked),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Int("skipped", sum.Skipped),
		logx.Int("advanced", sum.Advanced),
		logx.Duration("took", sum.Duration()),
	)

	s.lastMu.Lock()
	cp := sum
	s.last = &cp
	s.lastMu.Unlock()
	return sum, nil
}

func (s *Service) fireHooks(sum Summary) {
	s.hooksMu.Lock()
	hooks := append([]func(Summary){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, h := range hooks {
		h(sum)
	}
}

type contractResult struct {
	details  []Detail
	advanced bool
}

// evaluate runs the expiry check, the status advance and the renewal check
// for one contract. A store error stops this contract only.
func (s *Service) evaluate(ctx context.Context, log logx.Logger, c contract.Contract, opts Options, today time.Time) (res contractResult) {
	if c.EndDate == nil {
		return res
	}
	days := contract.DaysUntil(*c.EndDate, today, opts.Location)
	// Renewal classification reads the stored status as of the start of this
	// evaluation, so an advance made below is noticed on the next run.
	stored := c.Status
	log = log.With(
		logx.String("contract_id", c.DisplayID()),
		logx.Int("days_remaining", days),
		logx.String("status", string(c.EffectiveStatus(today))),
	)

	base := Detail{ContractID: c.DisplayID(), ContractName: c.Name, DaysRemaining: days}
	fail := func(ev string, err error) contractResult {
		log.Error("contract evaluation failed", logx.String("event_type", ev), logx.Err(err))
		d := base
		d.Event = ev
		d.Status = DetailFailed
		d.Reason = "store error: " + err.Error()
		res.details = append(res.details, d)
		return res
	}

	// record keeps d and reports whether evaluation must stop.
	record := func(ev Event, d Detail, err error) bool {
		if err == nil {
			res.details = append(res.details, d)
			return false
		}
		if d.Status == "" {
			fail(ev.Type, err)
			return true
		}
		log.Error("notification log write failed", logx.String("event_type", ev.Type), logx.Err(err))
		d.Reason = strings.TrimPrefix(d.Reason+"; log write failed: "+err.Error(), "; ")
		res.details = append(res.details, d)
		return true
	}

	if ev, ok := ClassifyExpiry(opts.Mode, days); ok {
		d, err := s.notifyGated(ctx, c, ev, days, base)
		if record(ev, d, err) {
			return res
		}
	}

	if ShouldAdvance(days, opts.ThresholdDays, c.Status) {
		changed, err := s.store.UpdateContractStatus(ctx, c.ID, contract.StatusApproved, contract.StatusRenewalDue)
		if err != nil {
			return fail("", fmt.Errorf("advance status: %w", err))
		}
		if changed {
			res.advanced = true
			if n := len(res.details); n > 0 {
				res.details[n-1].Advanced = true
			}
			log.Info("contract moved to renewal due")
		}
	}

	if ev, ok := ClassifyRenewal(stored); ok {
		d, err := s.notifyGated(ctx, c, ev, days, base)
		record(ev, d, err)
	}
	return res
}

// notifyGated checks the dedup gate and dispatches under the per-pair lock.
// On a gate read failure the returned Detail is empty.
func (s *Service) notifyGated(ctx context.Context, c contract.Contract, ev Event, days int, base Detail) (Detail, error) {
	unlock := s.locks.Lock(c.ID + "|" + ev.Type)
	defer unlock()

	sent, err := s.store.WasSent(ctx, c.ID, ev.Type)
	if err != nil {
		return Detail{}, fmt.Errorf("dedup check: %w", err)
	}
	d := base
	d.Event = ev.Type
	d.Severity = string(ev.Severity)
	if sent {
		d.Status = DetailSkipped
		d.Reason = "already sent"
		return d, nil
	}
	return s.dispatch(ctx, c, ev, days, d, true)
}

func (s *Service) dispatch(ctx context.Context, c contract.Contract, ev Event, days int, d Detail, keyed bool) (Detail, error) {
	recipients := ResolveRecipients(c)
	res, err := s.disp.Dispatch(ctx, c, ev, days, recipients, keyed)
	d.Recipients = res.Outcomes
	switch {
	case len(recipients) == 0:
		d.Status = DetailFailed
		d.Reason = NoRecipientError
	case res.Sent:
		d.Status = DetailSent
		if failed := countFailed(res.Outcomes); failed > 0 {
			d.Reason = fmt.Sprintf("%d of %d recipients failed", failed, len(res.Outcomes))
		}
	default:
		d.Status = DetailFailed
		d.Reason = firstError(res.Outcomes)
	}
	return d, err
}

func countFailed(out []RecipientOutcome) int {
	n := 0
	for _, o := range out {
		if !o.Sent {
			n++
		}
	}
	return n
}

func firstError(out []RecipientOutcome) string {
	for _, o := range out {
		if o.Error != "" {
			return o.Error
		}
	}
	return "delivery failed"
}

// SendOne sends an expiry notice for one contract on operator request. It
// bypasses the dedup gate; the rows it writes still make later scheduled
// runs skip the same event.
func (s *Service) SendOne(ctx context.Context, id string) (Summary, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Summary{}, fmt.Errorf("contract id: %w", storage.ErrNotFound)
	}
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("get contract %s: %w", id, err)
	}
	if c.EndDate == nil {
		return Summary{}, ErrNoEndDate
	}

	opts := s.Options()
	started := s.now()
	days := contract.DaysUntil(*c.EndDate, started.In(opts.Location), opts.Location)
	if days <= 0 {
		return Summary{}, ErrAlreadyExpired
	}
	ev, ok := ClassifyExpiry(opts.Mode, days)
	if !ok {
		ev = manualEvent(days)
	}

	unlock := s.locks.Lock(c.ID + "|" + ev.Type)
	base := Detail{ContractID: c.DisplayID(), ContractName: c.Name, DaysRemaining: days, Event: ev.Type, Severity: string(ev.Severity)}
	d, err := s.dispatch(ctx, c, ev, days, base, false)
	unlock()

	sum := Summary{
		RunID:        uuid.NewString(),
		Trigger:      TriggerManual,
		Mode:         opts.Mode,
		Threshold:    opts.ThresholdDays,
		TotalChecked: 1,
		StartedAt:    started,
		FinishedAt:   s.now(),
		Details:      []Detail{d},
	}
	sum.tally()
	sum.Message = "notification sent"
	if d.Status != DetailSent {
		sum.Message = "notification failed"
	}
	s.log.Info("manual notification",
		logx.String("contract_id", c.DisplayID()),
		logx.String("event_type", ev.Type),
		logx.String("status", string(d.Status)),
	)
	if err != nil {
		s.log.Error("manual notification log write failed", logx.String("contract_id", c.DisplayID()), logx.Err(err))
	}
	return sum, nil
}
