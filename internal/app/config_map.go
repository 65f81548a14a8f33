package app

import (
	"fmt"
	"strings"
	"time"

	"contractwatch/internal/alert"
	"contractwatch/internal/config"
	"contractwatch/internal/httpapi"
	"contractwatch/internal/mailer"
	"contractwatch/internal/notify"
	"contractwatch/internal/opsnotify"
	"contractwatch/internal/storage"
	"contractwatch/internal/task/scheduler"
	logx "contractwatch/pkg/logx"
)

const defaultRunTimeout = 10 * time.Minute

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, fmt.Errorf("storage: section missing")
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:   driver,
		Path:     strings.TrimSpace(sc.Path),
		DSN:      strings.TrimSpace(sc.DSN),
		MaxConns: sc.MaxConns,
	}
	if driver == "sqlite" || driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}

// mapMailer returns nil when no smtp section is configured.
func mapMailer(cfg *config.Config) (*mailer.Mailer, error) {
	sc := cfg.SMTP
	if sc == nil {
		return nil, nil
	}
	timeout, err := config.ParseDurationOrDefault("smtp.timeout", sc.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return mailer.New(mailer.Config{
		Host:       sc.Host,
		Port:       sc.Port,
		Username:   sc.Username,
		Password:   sc.Password,
		From:       sc.From,
		RequireTLS: sc.RequireTLS,
		Timeout:    timeout,
	}), nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	ac := cfg.Alerts
	timeout, err := config.ParseDurationOrDefault("alerts.timeout", ac.Timeout, 15*time.Second)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Driver:        ac.Driver,
		URL:           ac.URL,
		Username:      ac.Username,
		Password:      ac.Password,
		BearerToken:   ac.BearerToken,
		Timeout:       timeout,
		RatePerSec:    ac.RatePerSec,
		SigningSecret: ac.SigningSecret,
	}, nil
}

func mapNotifyOptions(cfg *config.Config) (notify.Options, error) {
	mode, err := notify.ParseMode(cfg.Notifications.Mode)
	if err != nil {
		return notify.Options{}, err
	}
	return notify.Options{
		Mode:          mode,
		ThresholdDays: cfg.Notifications.ThresholdDays,
		Workers:       cfg.Notifications.Workers,
		Location:      cfg.Location(),
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Timezone:    cfg.Scheduler.Timezone,
		HistorySize: cfg.Scheduler.HistorySize,
	}
}

func schedulerTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.timeout", cfg.Scheduler.Timeout, defaultRunTimeout)
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Server
	out := httpapi.Config{
		Addr:         sc.Addr,
		JWTSecret:    sc.JWTSecret,
		RunRoles:     sc.RunRoles,
		TriggerToken: sc.TriggerToken,
		Pprof:        sc.Pprof,
	}
	var err error
	if out.RunTimeout, err = schedulerTimeout(cfg); err != nil {
		return httpapi.Config{}, err
	}
	if out.ReadTimeout, err = config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// A synchronous run answers only after every contract was processed.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, out.RunTimeout+30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, 5*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// mapOpsConfig reports false when the operator chat is disabled.
func mapOpsConfig(cfg *config.Config) (opsnotify.Config, bool) {
	oc := cfg.Ops
	if oc == nil || !oc.Enabled {
		return opsnotify.Config{}, false
	}
	return opsnotify.Config{
		Token:     oc.Token,
		ChatID:    oc.ChatID,
		ThreadID:  oc.ThreadID,
		Summaries: oc.Summaries,
	}, true
}
