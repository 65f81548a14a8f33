// Package app wires config, storage, delivery, the scheduler and the HTTP
// surface into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"

	"contractwatch/internal/alert"
	"contractwatch/internal/config"
	"contractwatch/internal/httpapi"
	"contractwatch/internal/mailer"
	"contractwatch/internal/notify"
	"contractwatch/internal/opsnotify"
	"contractwatch/internal/relay"
	"contractwatch/internal/runtime/supervisor"
	"contractwatch/internal/storage"
	"contractwatch/internal/task/scheduler"
	logx "contractwatch/pkg/logx"
)

// CheckSchedule is the scheduler entry that runs the expiry check.
const CheckSchedule = "expiry-check"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	mail  *mailer.Mailer
	ops   *opsnotify.Notifier

	svc   *notify.Service
	sched *scheduler.Service
	http  *httpapi.Server

	// schedule and timeout the check is currently registered with.
	schedule string
	timeout  time.Duration
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The remote writer is enabled only once the sink exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Remote.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc}

	if oc, ok := mapOpsConfig(cfg); ok {
		n, err := opsnotify.New(oc, log.With(logx.String("comp", "ops")))
		if err != nil {
			return nil, err
		}
		a.ops = n
		logSvc.SetSink(n)
	}
	logSvc.Apply(logCfg)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = st
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	if a.mail, err = mapMailer(cfg); err != nil {
		return nil, err
	}
	ac, err := mapAlertConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := alert.New(ac, a.mail, log.With(logx.String("comp", "alert")))
	if err != nil {
		return nil, err
	}

	opts, err := mapNotifyOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.svc = notify.NewService(st, sender, log.With(logx.String("comp", "notify")), opts)
	if a.ops != nil {
		a.svc.OnRunComplete(a.reportRun)
	}

	a.sched = scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")))
	if err := a.registerCheck(cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Enabled {
		scfg, err := mapServerConfig(cfg)
		if err != nil {
			return nil, err
		}
		var extra []httpapi.Registrar
		if cfg.Relay != nil && cfg.Relay.Enabled {
			extra = append(extra, relay.New(a.mail, cfg.Relay.SigningSecret, log.With(logx.String("comp", "relay"))))
		}
		a.http = httpapi.New(scfg, a.svc, st, a.health, log.With(logx.String("comp", "http")), extra...)
	}

	a.log.Info("app initialized",
		logx.String("storage", sc.Driver),
		logx.String("alerts", ac.Driver),
		logx.String("mode", string(opts.Mode)),
		logx.Bool("server", a.http != nil),
		logx.Bool("ops", a.ops != nil),
	)
	ok = true
	return a, nil
}

// registerCheck (re)binds the expiry check to the configured schedule.
func (a *App) registerCheck(cfg *config.Config) error {
	timeout, err := schedulerTimeout(cfg)
	if err != nil {
		return err
	}
	if cfg.Scheduler.Schedule == a.schedule && timeout == a.timeout {
		return nil
	}
	if err := a.sched.AddSchedule(CheckSchedule, cfg.Scheduler.Schedule, timeout, a.runScheduled); err != nil {
		return fmt.Errorf("scheduler.schedule: %w", err)
	}
	a.schedule, a.timeout = cfg.Scheduler.Schedule, timeout
	return nil
}

func (a *App) runScheduled(ctx context.Context) error {
	sum, err := a.svc.Run(ctx, notify.TriggerSchedule)
	if errors.Is(err, notify.ErrRunInProgress) {
		return scheduler.ErrSkipped
	}
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d of %d deliveries failed", sum.Failed, sum.Sent+sum.Failed)
	}
	return nil
}

func (a *App) reportRun(sum notify.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.ops.OnRun(ctx, sum)
}

func (a *App) health() gin.H {
	h := gin.H{"scheduler": a.sched.Snapshot()}
	if a.sup != nil {
		h["supervisor"] = a.sup.Snapshot()
	}
	if last, ok := a.svc.LastRun(); ok {
		h["lastRun"] = gin.H{
			"runId":      last.RunID,
			"trigger":    last.Trigger,
			"finishedAt": last.FinishedAt,
			"sent":       last.Sent,
			"failed":     last.Failed,
		}
	}
	return h
}

// Notify exposes the notification service.
func (a *App) Notify() *notify.Service { return a.svc }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// A reload that cannot be mapped is rejected before it is committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyOptions(cfg); err != nil {
			return err
		}
		if _, err := schedulerTimeout(cfg); err != nil {
			return err
		}
		_, err := scheduler.ParseSchedule(cfg.Scheduler.Schedule)
		return err
	})

	a.sched.Start(a.sup.Context())

	if a.http != nil {
		a.sup.Go("http", a.http.Serve)
	}
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.RunOnStart {
		a.sup.Go("startup.run", func(c context.Context) error {
			sum, err := a.svc.Run(c, notify.TriggerStartup)
			switch {
			case errors.Is(err, notify.ErrRunInProgress), errors.Is(err, context.Canceled):
			case err != nil:
				a.log.Error("startup run failed", logx.Err(err))
			default:
				a.log.Info("startup run done", logx.String("run_id", sum.RunID), logx.Int("sent", sum.Sent), logx.Int("failed", sum.Failed))
			}
			return nil
		})
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 10*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is logged and left to finish on its own.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
