package config

import (
	"reflect"
	"sort"
	"strings"

	logx "contractwatch/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed top-level sections
// and safe structured attrs for logging. Secrets are reported only as *_set
// booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote_enabled", newCfg.Logging.Remote.Enabled),
		)
	}

	ns := newCfg.Server
	if !reflect.DeepEqual(oldCfg.Server, ns) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", ns.Enabled),
			logx.String("server.addr", ns.Addr),
			logx.Strings("server.run_roles", ns.RunRoles),
			logx.Bool("server.jwt_secret_set", set(ns.JWTSecret)),
			logx.Bool("server.trigger_token_set", set(ns.TriggerToken)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.timeout", newCfg.Scheduler.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.String("notifications.mode", newCfg.Notifications.Mode),
			logx.Int("notifications.threshold_days", newCfg.Notifications.ThresholdDays),
			logx.Int("notifications.workers", newCfg.Notifications.Workers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.String("alerts.driver", newCfg.Alerts.Driver),
			logx.Bool("alerts.url_set", set(newCfg.Alerts.URL)),
			logx.Bool("alerts.signing_secret_set", set(newCfg.Alerts.SigningSecret)),
		)
	}

	if !reflect.DeepEqual(oldCfg.SMTP, newCfg.SMTP) {
		changed = append(changed, "smtp")
		if newCfg.SMTP != nil {
			attrs = append(attrs,
				logx.String("smtp.host", newCfg.SMTP.Host),
				logx.Int("smtp.port", newCfg.SMTP.Port),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs, logx.Bool("relay.enabled", newCfg.Relay != nil && newCfg.Relay.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
				logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.enabled", newCfg.Ops != nil && newCfg.Ops.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports which of the changed sections only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "scheduler", "notifications":
		default:
			out = append(out, s)
		}
	}
	return out
}

func set(s string) bool { return strings.TrimSpace(s) != "" }
