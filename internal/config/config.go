// Package config loads service configuration from defaults, an optional
// YAML file, an optional .env file and the environment, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config aggregates application configuration values.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Payment        PaymentConfig        `mapstructure:"payment"`
	Security       SecurityConfig       `mapstructure:"security"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite|pgx
	DSN    string `mapstructure:"dsn"`
}

type GatewayConfig struct {
	Mode       string        `mapstructure:"mode"` // simulated|paymoz
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// Simulator settings.
	MpesaApprovalRate float64       `mapstructure:"mpesa_approval_rate"`
	EmolaApprovalRate float64       `mapstructure:"emola_approval_rate"`
	SimulatedLatency  time.Duration `mapstructure:"simulated_latency"`
}

type PaymentConfig struct {
	MaxResubmits  int           `mapstructure:"max_resubmits"`
	ChargeLease   time.Duration `mapstructure:"charge_lease"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
}

type SecurityConfig struct {
	FailedLoginThreshold   int           `mapstructure:"failed_login_threshold"`
	FailedPaymentThreshold int           `mapstructure:"failed_payment_threshold"`
	MaliciousThreshold     int           `mapstructure:"malicious_threshold"`
	BruteForceThreshold    int           `mapstructure:"brute_force_threshold"`
	RequestVolumeThreshold int           `mapstructure:"request_volume_threshold"`
	RequestWindow          time.Duration `mapstructure:"request_window"`
	BlockTTL               time.Duration `mapstructure:"block_ttl"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	Retention              time.Duration `mapstructure:"retention"`
	AuditDir               string        `mapstructure:"audit_dir"`
	BruteForcePaths        []string      `mapstructure:"brute_force_paths"`
	MaxInspectBytes        int64         `mapstructure:"max_inspect_bytes"`
	GeneralRateLimit       int           `mapstructure:"general_rate_limit"`
	GeneralRateWindow      time.Duration `mapstructure:"general_rate_window"`
	PaymentRateLimit       int           `mapstructure:"payment_rate_limit"`
	PaymentRateWindow      time.Duration `mapstructure:"payment_rate_window"`
}

type ReconciliationConfig struct {
	Interval  time.Duration `mapstructure:"interval"` // 0 = on demand only
	BatchSize int           `mapstructure:"batch_size"`
}

type BrokerConfig struct {
	URL      string `mapstructure:"url"` // empty = log publisher
	Exchange string `mapstructure:"exchange"`
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"` // text|json
	IncludeCaller bool   `mapstructure:"include_caller"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 45*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 35*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "paycore.db")

	v.SetDefault("gateway.mode", "simulated")
	v.SetDefault("gateway.base_url", "https://api.paymoz.tech")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.max_retries", 2)
	v.SetDefault("gateway.retry_delay", 500*time.Millisecond)
	v.SetDefault("gateway.mpesa_approval_rate", 0.92)
	v.SetDefault("gateway.emola_approval_rate", 0.95)
	v.SetDefault("gateway.simulated_latency", 300*time.Millisecond)

	v.SetDefault("payment.max_resubmits", 3)
	v.SetDefault("payment.charge_lease", time.Minute)
	v.SetDefault("payment.notify_timeout", 10*time.Second)

	v.SetDefault("security.failed_login_threshold", 10)
	v.SetDefault("security.failed_payment_threshold", 5)
	v.SetDefault("security.malicious_threshold", 3)
	v.SetDefault("security.brute_force_threshold", 20)
	v.SetDefault("security.request_volume_threshold", 1000)
	v.SetDefault("security.request_window", time.Hour)
	v.SetDefault("security.block_ttl", time.Duration(0))
	v.SetDefault("security.sweep_interval", time.Hour)
	v.SetDefault("security.retention", 24*time.Hour)
	v.SetDefault("security.audit_dir", "logs")
	v.SetDefault("security.brute_force_paths", []string{"/api/v1/admin/security/login-attempts"})
	v.SetDefault("security.max_inspect_bytes", 64<<10)
	v.SetDefault("security.general_rate_limit", 1000)
	v.SetDefault("security.general_rate_window", 15*time.Minute)
	v.SetDefault("security.payment_rate_limit", 200)
	v.SetDefault("security.payment_rate_window", time.Hour)

	v.SetDefault("reconciliation.interval", time.Duration(0))
	v.SetDefault("reconciliation.batch_size", 200)

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "paycore.events")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.include_caller", false)

	v.SetDefault("admin.token", "")
	v.SetDefault("webhook.secret", "")
}

// Short environment names kept alongside the derived SECTION_KEY names.
var envAliases = map[string][]string{
	"server.port":     {"PORT"},
	"database.driver": {"DB_DRIVER"},
	"database.dsn":    {"DB_DSN", "DB_PATH"},
	"broker.url":      {"RABBITMQ_URL"},
	"logging.level":   {"LOG_LEVEL"},
	"logging.format":  {"LOG_FORMAT"},
	"admin.token":     {"ADMIN_TOKEN"},
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. A .env file in the working directory is loaded
// when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Server.Port)
	}

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3":
		c.Database.Driver = "sqlite"
	case "pgx", "postgres", "postgresql":
		c.Database.Driver = "pgx"
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}

	switch c.Gateway.Mode {
	case "simulated":
	case "paymoz":
		if c.Gateway.APIKey == "" || c.Gateway.BaseURL == "" {
			return errors.New("paymoz gateway needs base_url and api_key")
		}
		// Unsigned callbacks could approve real charges.
		if c.Webhook.Secret == "" {
			return errors.New("paymoz gateway needs webhook.secret")
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	}
	for name, rate := range map[string]float64{"mpesa": c.Gateway.MpesaApprovalRate, "emola": c.Gateway.EmolaApprovalRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s approval rate %v outside [0,1]", name, rate)
		}
	}

	if c.Payment.MaxResubmits < 0 {
		return fmt.Errorf("max_resubmits must not be negative")
	}
	if c.Payment.ChargeLease <= c.Gateway.Timeout {
		return fmt.Errorf("charge_lease %s must exceed the gateway timeout %s", c.Payment.ChargeLease, c.Gateway.Timeout)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Security.BlockTTL < 0 {
		return errors.New("block_ttl must not be negative")
	}
	return nil
}
