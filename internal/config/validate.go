package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"contractwatch/internal/task/scheduler"
)

const (
	ModeExact     = "exact"
	ModeThreshold = "threshold"

	DefaultSchedule      = "daily@06:00"
	DefaultThresholdDays = 30
	DefaultServerAddr    = ":8080"
)

var DefaultRunRoles = []string{"DHI_Admin", "DHI_PowerUser"}

func applyDefaults(c *Config) {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if len(c.Server.RunRoles) == 0 {
		c.Server.RunRoles = append([]string(nil), DefaultRunRoles...)
	}
	if strings.TrimSpace(c.Scheduler.Schedule) == "" {
		c.Scheduler.Schedule = DefaultSchedule
	}
	if c.Scheduler.HistorySize <= 0 {
		c.Scheduler.HistorySize = 50
	}
	c.Notifications.Mode = strings.ToLower(strings.TrimSpace(c.Notifications.Mode))
	if c.Notifications.Mode == "" {
		c.Notifications.Mode = ModeThreshold
	}
	if c.Notifications.ThresholdDays <= 0 {
		c.Notifications.ThresholdDays = DefaultThresholdDays
	}
	if c.Notifications.Workers <= 0 {
		c.Notifications.Workers = 1
	}
	if strings.TrimSpace(c.Notifications.Timezone) == "" {
		c.Notifications.Timezone = c.Scheduler.Timezone
	}
	c.Alerts.Driver = strings.ToLower(strings.TrimSpace(c.Alerts.Driver))
	if c.Alerts.Driver == "" {
		c.Alerts.Driver = "log"
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: "file", Path: "./data/contractwatch"}
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
}

// Validate reports every problem it finds, joined.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Notifications.Mode {
	case ModeExact, ModeThreshold:
	default:
		add("notifications.mode: must be %q or %q, got %q", ModeExact, ModeThreshold, c.Notifications.Mode)
	}
	if tz := strings.TrimSpace(c.Notifications.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("notifications.timezone: %v", err)
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	if _, err := scheduler.ParseSchedule(c.Scheduler.Schedule); err != nil {
		add("scheduler.schedule: %v", err)
	}
	if _, err := ParseDurationField("scheduler.timeout", c.Scheduler.Timeout); err != nil {
		errs = append(errs, err)
	}

	switch c.Alerts.Driver {
	case "http":
		if strings.TrimSpace(c.Alerts.URL) == "" {
			add("alerts.url: required for http driver")
		}
		if c.Alerts.BearerToken != "" && c.Alerts.Username != "" {
			add("alerts: bearer_token and username are mutually exclusive")
		}
	case "smtp":
		if c.SMTP == nil {
			add("alerts.driver smtp: smtp section required")
		}
	case "log":
	default:
		add("alerts.driver: unknown driver %q", c.Alerts.Driver)
	}
	if _, err := ParseDurationField("alerts.timeout", c.Alerts.Timeout); err != nil {
		errs = append(errs, err)
	}

	if c.SMTP != nil {
		if strings.TrimSpace(c.SMTP.Host) == "" {
			add("smtp.host: required")
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			add("smtp.port: out of range (%d)", c.SMTP.Port)
		}
		if strings.TrimSpace(c.SMTP.From) == "" {
			add("smtp.from: required")
		}
	}
	if c.Relay != nil && c.Relay.Enabled && c.SMTP == nil {
		add("relay: smtp section required")
	}

	switch c.Storage.Driver {
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path: required for %s driver", c.Storage.Driver)
		}
	case "postgres", "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn: required for %s driver", c.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Ops != nil && c.Ops.Enabled {
		if strings.TrimSpace(c.Ops.Token) == "" {
			add("ops.token: required when ops is enabled")
		}
		if c.Ops.ChatID == 0 {
			add("ops.chat_id: required when ops is enabled")
		}
	}
	if c.Logging.Remote.Enabled && (c.Ops == nil || !c.Ops.Enabled) {
		add("logging.remote: requires ops to be enabled")
	}
	return errors.Join(errs...)
}

// Location resolves the timezone used for day counting.
func (c *Config) Location() *time.Location {
	if c == nil {
		return time.Local
	}
	tz := strings.TrimSpace(c.Notifications.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
