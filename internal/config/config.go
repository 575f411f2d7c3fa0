// Package config loads the service configuration from YAML and environment
// variables.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root configuration. Sources, highest priority first:
//  1. explicit path (--config);
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. environment only.
//
// Environment variables always overlay values read from a file.
type Config struct {
	Env      string       `yaml:"env" env:"ENV" env-default:"local"`
	LogLevel string       `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	HTTP     HTTPConfig   `yaml:"http"`
	GRPC     GRPCConfig   `yaml:"grpc"`
	DB       DBConfig     `yaml:"db"`
	Redis    RedisConfig  `yaml:"redis"`
	Auth     AuthConfig   `yaml:"auth"`
	Notify   NotifyConfig `yaml:"notify"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT" env-default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	CookieSecure    bool          `yaml:"cookie_secure" env:"HTTP_COOKIE_SECURE" env-default:"true"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	// TrustedProxies lists proxy CIDRs or addresses whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies" env:"HTTP_TRUSTED_PROXIES" env-separator:","`
	RateLimit       RateLimit     `yaml:"rate_limit"`
}

// RateLimit applies per client IP to the credential endpoints.
type RateLimit struct {
	Burst     int     `yaml:"burst" env:"HTTP_RATE_BURST" env-default:"10"`
	PerSecond float64 `yaml:"per_second" env:"HTTP_RATE_PER_SECOND" env-default:"1"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" env:"GRPC_ADDR" env-default:":9090"`
}

// DBConfig selects PostgreSQL when DSN is set; otherwise stores are in memory.
type DBConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

// RedisConfig selects Redis sessions when Addr is set; otherwise in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"sess:"`
}

type AuthConfig struct {
	AccessSecret    string        `yaml:"access_secret" env:"JWT_ACCESS_SECRET" env-required:"true"`
	RefreshSecret   string        `yaml:"refresh_secret" env:"JWT_REFRESH_SECRET" env-required:"true"`
	Issuer          string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"granada-backoffice"`
	AccessTTL       time.Duration `yaml:"access_ttl" env:"JWT_ACCESS_TTL" env-default:"15m"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl" env:"JWT_REFRESH_TTL" env-default:"168h"`
	SessionTTL      time.Duration `yaml:"session_ttl" env:"SESSION_TTL" env-default:"24h"`
	OTPTTL          time.Duration `yaml:"otp_ttl" env:"OTP_TTL" env-default:"5m"`
	BcryptCost      int           `yaml:"bcrypt_cost" env:"BCRYPT_COST" env-default:"10"`
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL" env-default:"1h"`
	Reset           ResetConfig   `yaml:"reset"`
}

type ResetConfig struct {
	AllowUnscopedOTP     bool `yaml:"allow_unscoped_otp" env:"RESET_ALLOW_UNSCOPED_OTP" env-default:"false"`
	ConcealUnknownHandle bool `yaml:"conceal_unknown_handle" env:"RESET_CONCEAL_UNKNOWN_HANDLE" env-default:"false"`
	MaxOTPAttempts       int  `yaml:"max_otp_attempts" env:"RESET_MAX_OTP_ATTEMPTS" env-default:"5"`
}

const (
	NotifyLog  = "log"
	NotifySMTP = "smtp"
	NotifyMQTT = "mqtt"
)

type NotifyConfig struct {
	Driver string     `yaml:"driver" env:"NOTIFY_DRIVER" env-default:"log"`
	SMTP   SMTPConfig `yaml:"smtp"`
	MQTT   MQTTConfig `yaml:"mqtt"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USERNAME"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"SMTP_FROM"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID    string `yaml:"client_id" env:"MQTT_CLIENT_ID" env-default:"granada-backoffice"`
	Username    string `yaml:"username" env:"MQTT_USERNAME"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX" env-default:"backoffice"`
	QoS         int    `yaml:"qos" env:"MQTT_QOS" env-default:"1"`
}

// Validate checks cross-field constraints the tags cannot express.
func (c *Config) Validate() error {
	switch c.Env {
	case "local", "dev", "prod":
	default:
		return fmt.Errorf("env must be local, dev or prod, got %q", c.Env)
	}
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("auth.access_secret and auth.refresh_secret must differ")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.OTPTTL <= 0 {
		return fmt.Errorf("auth.session_ttl and auth.otp_ttl must be positive")
	}
	if c.Auth.Reset.MaxOTPAttempts <= 0 {
		return fmt.Errorf("auth.reset.max_otp_attempts must be positive")
	}
	for _, entry := range c.HTTP.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("http.trusted_proxies: %q is neither a CIDR nor an address", entry)
		}
	}
	switch c.Notify.Driver {
	case NotifyLog:
	case NotifySMTP:
		if c.Notify.SMTP.Host == "" {
			return fmt.Errorf("notify.smtp.host is required for the smtp driver")
		}
	case NotifyMQTT:
		if c.Notify.MQTT.Broker == "" {
			return fmt.Errorf("notify.mqtt.broker is required for the mqtt driver")
		}
		if c.Notify.MQTT.QoS < 0 || c.Notify.MQTT.QoS > 2 {
			return fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("notify.driver must be log, smtp or mqtt, got %q", c.Notify.Driver)
	}
	return nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load resolves the configuration source by priority and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	var cfg Config

	fromFile := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}
		// ReadConfig applies the env overlay itself.
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		return &cfg, nil
	}

	if path != "" {
		return fromFile(path)
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return fromFile(envPath)
	}
	if _, err := os.Stat("local.yaml"); err == nil {
		return fromFile("local.yaml")
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}
	return &cfg, nil
}
