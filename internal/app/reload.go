package app

import (
	"context"
	"strings"

	"contractwatch/internal/config"
	logx "contractwatch/pkg/logx"
)

// reloadLoop applies committed config changes until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the live-reloadable sections to their components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))

	a.sched.Apply(mapSchedulerConfig(next))
	if err := a.registerCheck(next); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	}

	if opts, err := mapNotifyOptions(next); err != nil {
		a.log.Warn("invalid notifications config; keeping previous", logx.Err(err))
	} else {
		a.svc.Apply(opts)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
