/*
Package config loads service settings.

PRECEDENCE (lowest to highest):
  1. Defaults()
  2. YAML file (optional, unknown keys rejected)
  3. PHARMA_* environment variables
  4. Command-line flags, applied by the cli package

EXAMPLE:
  http:
    addr: ":8080"
  db:
    driver: sqlite
    dsn: ./data/pharma.db
  ledger:
    lock_timeout: 5s
    lock_backend: local
  notify:
    stakeholders: [ops@hospital.org]
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/pharma-ledger/ledger"
)

type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	DB          DBConfig          `yaml:"db"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Redis       RedisConfig       `yaml:"redis"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Notify      NotifyConfig      `yaml:"notify"`
	Log         LogConfig         `yaml:"log"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DBConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql or memory
	DSN    string `yaml:"dsn"`
}

type LedgerConfig struct {
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	LockBackend   string        `yaml:"lock_backend"` // local or redis
	LockTTL       time.Duration `yaml:"lock_ttl"`
	ReplayOnApply bool          `yaml:"replay_on_apply"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MaintenanceConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type AlertsConfig struct {
	ExpiryDays int `yaml:"expiry_days"`
}

type NotifyConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	Workers         int               `yaml:"workers"`
	ReorderQuantity int64             `yaml:"reorder_quantity"`
	Stakeholders    []string          `yaml:"stakeholders"`
	Suppliers       map[string]string `yaml:"suppliers"`
	DefaultSupplier string            `yaml:"default_supplier"`
	RedisChannel    string            `yaml:"redis_channel"`
	SMTP            SMTPConfig        `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Defaults returns a configuration that runs a single local process on
// SQLite with log-only notifications.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		DB: DBConfig{Driver: "sqlite", DSN: "pharma.db"},
		Ledger: LedgerConfig{
			LockTimeout: ledger.DefaultLockTimeout,
			LockBackend: "local",
			LockTTL:     30 * time.Second,
		},
		Redis:       RedisConfig{Addr: "localhost:6379"},
		Maintenance: MaintenanceConfig{Enabled: true, Interval: time.Hour},
		Alerts:      AlertsConfig{ExpiryDays: 30},
		Notify: NotifyConfig{
			Enabled:         true,
			QueueSize:       256,
			Workers:         2,
			ReorderQuantity: 50,
			Suppliers: map[string]string{
				"MediCorp Ltd":       "orders@medicorp.com",
				"Global Pharma":      "supply@globalpharma.com",
				"BioTech Solutions":  "purchasing@biotech.com",
				"Emergency Supplier": "emergency@quickmeds.com",
			},
			DefaultSupplier: "orders@defaultsupplier.com",
			SMTP:            SMTPConfig{Port: 587, From: "alerts@pharmachain.com"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load applies the file at path (skipped when empty) and the environment
// on top of Defaults, then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("PHARMA_HTTP_ADDR", &c.HTTP.Addr)
	str("PHARMA_DB_DRIVER", &c.DB.Driver)
	str("PHARMA_DB_DSN", &c.DB.DSN)
	str("PHARMA_LOCK_BACKEND", &c.Ledger.LockBackend)
	str("PHARMA_REDIS_ADDR", &c.Redis.Addr)
	str("PHARMA_REDIS_PASSWORD", &c.Redis.Password)
	str("PHARMA_SMTP_HOST", &c.Notify.SMTP.Host)
	str("PHARMA_SMTP_USERNAME", &c.Notify.SMTP.Username)
	str("PHARMA_SMTP_PASSWORD", &c.Notify.SMTP.Password)
	str("PHARMA_SMTP_FROM", &c.Notify.SMTP.From)
	str("PHARMA_LOG_LEVEL", &c.Log.Level)
	str("PHARMA_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("PHARMA_LOCK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ledger.ValidationError{Field: "PHARMA_LOCK_TIMEOUT", Reason: err.Error()}
		}
		c.Ledger.LockTimeout = d
	}
	if v, ok := lookup("PHARMA_SMTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ledger.ValidationError{Field: "PHARMA_SMTP_PORT", Reason: err.Error()}
		}
		c.Notify.SMTP.Port = port
	}
	if v, ok := lookup("PHARMA_NOTIFY_STAKEHOLDERS"); ok {
		c.Notify.Stakeholders = splitList(v)
	}
	return nil
}

// Validate rejects values the service cannot start with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "mysql":
		if strings.TrimSpace(c.DB.DSN) == "" {
			return &ledger.ValidationError{Field: "db.dsn", Reason: "is required for " + c.DB.Driver}
		}
	case "memory":
	default:
		return &ledger.ValidationError{Field: "db.driver", Reason: fmt.Sprintf("unknown driver %q (want sqlite, mysql or memory)", c.DB.Driver)}
	}

	switch c.Ledger.LockBackend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return &ledger.ValidationError{Field: "redis.addr", Reason: "is required for the redis lock backend"}
		}
	default:
		return &ledger.ValidationError{Field: "ledger.lock_backend", Reason: fmt.Sprintf("unknown backend %q (want local or redis)", c.Ledger.LockBackend)}
	}
	if c.Ledger.LockTimeout <= 0 {
		return &ledger.ValidationError{Field: "ledger.lock_timeout", Reason: "must be positive"}
	}
	if c.Ledger.LockBackend == "redis" && c.Ledger.LockTTL <= c.Ledger.LockTimeout {
		return &ledger.ValidationError{Field: "ledger.lock_ttl", Reason: "must exceed ledger.lock_timeout"}
	}
	if c.Maintenance.Enabled && c.Maintenance.Interval <= 0 {
		return &ledger.ValidationError{Field: "maintenance.interval", Reason: "must be positive"}
	}
	if c.Alerts.ExpiryDays < 0 {
		return &ledger.ValidationError{Field: "alerts.expiry_days", Reason: "must not be negative"}
	}
	if c.Notify.Enabled {
		if c.Notify.QueueSize <= 0 || c.Notify.Workers <= 0 {
			return &ledger.ValidationError{Field: "notify", Reason: "queue_size and workers must be positive"}
		}
		if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
			return &ledger.ValidationError{Field: "notify.smtp.from", Reason: "is required when smtp.host is set"}
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ledger.ValidationError{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &ledger.ValidationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q (want text or json)", c.Log.Format)}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
