package config

type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Server        ServerConfig        `json:"server"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Notifications NotificationsConfig `json:"notifications"`
	Alerts        AlertsConfig        `json:"alerts"`
	SMTP          *SMTPConfig         `json:"smtp,omitempty"`
	Relay         *RelayConfig        `json:"relay,omitempty"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Ops           *OpsConfig          `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote forwards log lines to the operator chat (see ops).
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ServerConfig controls the HTTP trigger surface.
//
// Either jwt_secret or trigger_token must be set for the protected routes to
// accept anything; with both empty every protected route answers 401.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"

	JWTSecret    string   `json:"jwt_secret,omitempty"`
	RunRoles     []string `json:"run_roles,omitempty"`
	TriggerToken string   `json:"trigger_token,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// Pprof exposes /debug/pprof on the same listener, behind auth.
	Pprof bool `json:"pprof,omitempty"`
}

// SchedulerConfig controls when the expiry check runs.
//
// Schedule accepts cron (5 or 6 fields), descriptors (@daily), Go durations
// or HH:MM intervals ("every:" prefix optional), and "daily@HH:MM".
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"` // default "daily@06:00"
	Timezone    string `json:"timezone,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	RunOnStart  bool   `json:"run_on_start,omitempty"`
}

// NotificationsConfig controls classification and fan-out.
//
// Defaults:
//   - mode: "threshold"
//   - threshold_days: 30
//   - workers: 1
type NotificationsConfig struct {
	Mode          string `json:"mode,omitempty"`
	ThresholdDays int    `json:"threshold_days,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	// Timezone used for day counting; falls back to scheduler.timezone.
	Timezone string `json:"timezone,omitempty"`
}

// AlertsConfig selects the alert transport.
//
// Driver is one of "http", "smtp" or "log".
type AlertsConfig struct {
	Driver        string `json:"driver"`
	URL           string `json:"url,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	BearerToken   string `json:"bearer_token,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SigningSecret string `json:"signing_secret,omitempty"`
}

type SMTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	From       string `json:"from"`
	RequireTLS bool   `json:"require_tls,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// RelayConfig enables the mail relay webhook.
type RelayConfig struct {
	Enabled       bool   `json:"enabled"`
	SigningSecret string `json:"signing_secret,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./contractwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"` // file prefix or sqlite file
	DSN         string `json:"dsn,omitempty"`  // postgres / mysql
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// OpsConfig points at the operator Telegram chat that receives run
// summaries and, when logging.remote is on, log lines.
type OpsConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Summaries posts every run summary; failures are always posted.
	Summaries bool `json:"summaries,omitempty"`
}
