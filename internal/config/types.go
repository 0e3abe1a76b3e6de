package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "6h"). Secrets may be
// left empty in the file and supplied through DEADLINE_* environment
// variables (see env.go).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Deadlines DeadlinesConfig `json:"deadlines"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Mail      MailConfig      `json:"mail"`
	Ledger    LedgerConfig    `json:"ledger"`
	Source    SourceConfig    `json:"source"`
	Events    EventsConfig    `json:"events"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls when scans fire.
//
// Schedule accepts cron (5 or 6 fields, @descriptors), "interval:<dur>",
// "every:HH:MM", a bare duration, or "daily:HH:MM". Default "0 */6 * * *".
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	RunTimeout  string `json:"run_timeout,omitempty"`
	RunOnStart  bool   `json:"run_on_start,omitempty"`
	HistorySize int    `json:"history_size,omitempty" validate:"gte=0,lte=10000"`
}

type DeadlinesConfig struct {
	// Thresholds are the exact day counts that trigger a reminder. Default [7,3,1].
	Thresholds []int `json:"thresholds,omitempty" validate:"omitempty,dive,gt=0,lte=366"`
	// Timezone reads deadlines stored without a zone. Default UTC.
	Timezone string         `json:"timezone,omitempty"`
	Audience AudienceConfig `json:"audience"`
}

type AudienceConfig struct {
	Policy        string `json:"policy,omitempty" validate:"omitempty,oneof=all relevant"`
	MatchDomains  bool   `json:"match_domains,omitempty"`
	MatchLocation bool   `json:"match_location,omitempty"`
}

type DispatchConfig struct {
	Workers     int     `json:"workers,omitempty" validate:"gte=0,lte=256"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst       int     `json:"burst,omitempty" validate:"gte=0"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	// MaxAttempts caps retries of a failed key. Omitted means 5; 0 means unlimited.
	MaxAttempts   *int   `json:"max_attempts,omitempty" validate:"omitempty,gte=0"`
	ClaimLease    string `json:"claim_lease,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

type MailConfig struct {
	Driver   string `json:"driver,omitempty" validate:"omitempty,oneof=smtp log dryrun"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	From     string `json:"from,omitempty" validate:"omitempty,email"`
	FromName string `json:"from_name,omitempty"`
	SSL      bool   `json:"ssl,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// LedgerConfig selects the idempotency store.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./data/ledger.db" }
type LedgerConfig struct {
	Driver      string      `json:"driver,omitempty" validate:"omitempty,oneof=memory file sqlite sqlite3 postgres redis"`
	Path        string      `json:"path,omitempty"`
	DSN         string      `json:"dsn,omitempty"` // may hold a password; never logged
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
}

type SourceConfig struct {
	Driver   string `json:"driver,omitempty" validate:"omitempty,oneof=file sqlite sqlite3 postgres"`
	Path     string `json:"path,omitempty"`
	DSN      string `json:"dsn,omitempty"`
	PageSize int    `json:"page_size,omitempty" validate:"gte=0"`
}

type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool     `json:"enabled"`
	Brokers      []string `json:"brokers,omitempty" validate:"required_if=Enabled true"`
	Topic        string   `json:"topic,omitempty" validate:"required_if=Enabled true"`
	Types        []string `json:"types,omitempty"`
	BatchSize    int      `json:"batch_size,omitempty" validate:"gte=0"`
	BatchTimeout string   `json:"batch_timeout,omitempty"`
}

// OpsConfig controls the optional operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}
