package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/LeventeLantos/event-messaging/internal/leadtime"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Webhook   WebhookConfig
	LeadTime  leadtime.Config
	Retry     RetryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

type WebhookConfig struct {
	SMSURL  string
	PushURL string
}

type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	// Timeout bounds every directory and store call.
	Timeout time.Duration
}

type LogConfig struct {
	Level slog.Level
	// FilePath enables a rotated log file next to stdout when set.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// env mirrors the environment. Required URLs carry no required tag so a
// missing value is reported with the other validation errors.
type env struct {
	ServerAddress         string `env:"SERVER_ADDRESS,default=:8080"`
	PostgresURL           string `env:"POSTGRES_URL"`
	SMSWebhookURL         string `env:"SMS_WEBHOOK_URL"`
	PushWebhookURL        string `env:"PUSH_WEBHOOK_URL"`
	RedisAddr             string `env:"REDIS_ADDR"`
	RedisPassword         string `env:"REDIS_PASSWORD"`
	RedisDB               int    `env:"REDIS_DB,default=0"`
	RedisTTLSeconds       int    `env:"REDIS_TTL_SECONDS,default=86400"`
	SchedIntervalSeconds  int    `env:"SCHED_INTERVAL_SECONDS,default=60"`
	SchedBatchSize        int    `env:"SCHED_BATCH_SIZE,default=50"`
	SchedConcurrency      int    `env:"SCHED_CONCURRENCY,default=4"`
	RetryAttempts         int    `env:"RETRY_ATTEMPTS,default=3"`
	RetryBaseDelayMS      int    `env:"RETRY_BASE_DELAY_MS,default=200"`
	CollaboratorTimeoutMS int    `env:"COLLABORATOR_TIMEOUT_MS,default=5000"`
	LogLevel              string `env:"LOG_LEVEL,default=info"`
	LogFilePath           string `env:"LOG_FILE_PATH"`
	LogMaxSizeMB          int    `env:"LOG_MAX_SIZE,default=100"`
	LogMaxBackups         int    `env:"LOG_MAX_BACKUPS,default=10"`
	LogMaxAgeDays         int    `env:"LOG_MAX_AGE,default=30"`
	LogCompress           bool   `env:"LOG_COMPRESS,default=true"`
	// Lead-time values are kept raw and parsed leniently.
	MinLeadSeconds        string `env:"MIN_LEAD_SECONDS"`
	QuickSetBufferMinutes string `env:"QUICK_SET_BUFFER_MINUTES"`
}

func trimSpace(_ context.Context, _, v string) (string, error) {
	return strings.TrimSpace(v), nil
}

// LoadAll reads the environment. Values that do not parse fail fast;
// everything else is validated afterwards and reported together.
func LoadAll() (*Config, error) {
	var e env
	if err := envconfig.ProcessWith(context.Background(), &e, envconfig.OsLookuper(), trimSpace); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: e.ServerAddress,
		},
		Database: DatabaseConfig{
			PostgresURL: e.PostgresURL,
		},
		Webhook: WebhookConfig{
			SMSURL:  e.SMSWebhookURL,
			PushURL: e.PushWebhookURL,
		},
		Scheduler: SchedulerConfig{
			Interval:    time.Duration(e.SchedIntervalSeconds) * time.Second,
			BatchSize:   e.SchedBatchSize,
			Concurrency: e.SchedConcurrency,
		},
		Retry: RetryConfig{
			Attempts:  e.RetryAttempts,
			BaseDelay: time.Duration(e.RetryBaseDelayMS) * time.Millisecond,
			Timeout:   time.Duration(e.CollaboratorTimeoutMS) * time.Millisecond,
		},
		LeadTime: leadtime.ParseConfig(e.MinLeadSeconds, e.QuickSetBufferMinutes),
		Log: LogConfig{
			FilePath:   e.LogFilePath,
			MaxSizeMB:  e.LogMaxSizeMB,
			MaxBackups: e.LogMaxBackups,
			MaxAgeDays: e.LogMaxAgeDays,
			Compress:   e.LogCompress,
		},
	}

	if e.RedisAddr != "" {
		cfg.Redis = RedisConfig{
			Enabled:  true,
			Address:  e.RedisAddr,
			Password: e.RedisPassword,
			DB:       e.RedisDB,
			TTL:      time.Duration(e.RedisTTLSeconds) * time.Second,
		}
	}

	level, levelErr := parseLevel(e.LogLevel)
	cfg.Log.Level = level

	if err := joinErrors([]error{levelErr, validate(cfg)}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Warnings lists settings that load but are likely wrong.
func (c *Config) Warnings() []string {
	var out []string
	minLead := time.Duration(c.LeadTime.MinLeadSeconds) * time.Second
	if minLead < 3*c.Scheduler.Interval {
		out = append(out, fmt.Sprintf(
			"MIN_LEAD_SECONDS (%s) is below 3x SCHED_INTERVAL_SECONDS (%s); messages may be picked up while still editable",
			minLead, c.Scheduler.Interval))
	}
	return out
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Database.PostgresURL == "" {
		errs = append(errs, errors.New("missing required env var: POSTGRES_URL"))
	}
	if cfg.Webhook.SMSURL == "" {
		errs = append(errs, errors.New("missing required env var: SMS_WEBHOOK_URL"))
	}
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Scheduler.Concurrency <= 0 {
		errs = append(errs, errors.New("SCHED_CONCURRENCY must be > 0"))
	}
	if cfg.Retry.Attempts <= 0 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.Retry.Timeout <= 0 {
		errs = append(errs, errors.New("COLLABORATOR_TIMEOUT_MS must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}
	return joinErrors(errs)
}

func parseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", raw)
	}
	return l, nil
}

// joinErrors drops nil entries and joins the rest.
func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
