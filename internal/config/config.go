// Package config loads server configuration.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML
// config file, a .env file, then FINCORE_-prefixed environment variables
// (http.port is FINCORE_HTTP_PORT).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "FINCORE"

// Config is the full server configuration.
type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Webhook   WebhookConfig
	JWT       JWTConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Port            int
	AllowedOrigins  []string
	EnableScenarios bool
}

type DatabaseConfig struct {
	Driver          string // sqlite or postgres
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures webhook deduplication. An empty Addr means the
// in-process deduper is used.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	DedupTTL time.Duration
}

// KafkaConfig configures the audit outbox relay. No brokers means audit
// events are written to the log instead.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type WebhookConfig struct {
	Secret string
}

type JWTConfig struct {
	Secret string
}

type SchedulerConfig struct {
	IntegrityInterval time.Duration
	OutboxInterval    time.Duration
	OutboxBatch       int
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

// Options controls where Load looks.
type Options struct {
	// ConfigFile is an optional YAML file. Missing is an error only when set.
	ConfigFile string
	// EnvFiles are .env files to load. Defaults to ".env", which may be absent.
	EnvFiles []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.enable_scenarios", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/fincore.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dedup_ttl", 24*time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "fincore.audit")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("scheduler.integrity_interval", 15*time.Minute)
	v.SetDefault("scheduler.outbox_interval", 5*time.Second)
	v.SetDefault("scheduler.outbox_batch", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFiles := opts.EnvFiles
	if len(envFiles) == 0 {
		// A missing default .env is fine.
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:            v.GetInt("http.port"),
			AllowedOrigins:  splitList(v.GetStringSlice("http.allowed_origins")),
			EnableScenarios: v.GetBool("http.enable_scenarios"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(v.GetString("database.driver")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			DedupTTL: v.GetDuration("redis.dedup_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Webhook: WebhookConfig{
			Secret: v.GetString("webhook.secret"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Scheduler: SchedulerConfig{
			IntegrityInterval: v.GetDuration("scheduler.integrity_interval"),
			OutboxInterval:    v.GetDuration("scheduler.outbox_interval"),
			OutboxBatch:       v.GetInt("scheduler.outbox_batch"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks settings every command needs. Secrets are checked by
// the serve command, which is the only one that uses them.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ValidateServe checks the secrets the HTTP server cannot run without.
func (c *Config) ValidateServe() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("webhook.secret is required"))
	}
	return errors.Join(errs...)
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
