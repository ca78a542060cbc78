// Package config loads server and CLI settings from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mmynk/tillsafe/internal/token"
)

// FileEnv names the environment variable holding the optional YAML file path.
const FileEnv = "TILLSAFE_CONFIG"

// Config aggregates application configuration values.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// SecurityConfig holds the release token key and the operator JWT key.
type SecurityConfig struct {
	ReleaseSecret string        `mapstructure:"release_secret" yaml:"release_secret"`
	JWTSecret     string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	AdminTokenTTL time.Duration `mapstructure:"admin_token_ttl" yaml:"admin_token_ttl"`
}

// NotifyConfig selects the outbound notifier. Messages are only logged when
// AMQPURL is empty.
type NotifyConfig struct {
	AMQPURL        string        `mapstructure:"amqp_url" yaml:"amqp_url"`
	AMQPExchange   string        `mapstructure:"amqp_exchange" yaml:"amqp_exchange"`
	AMQPRoutingKey string        `mapstructure:"amqp_routing_key" yaml:"amqp_routing_key"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ReconcileConfig struct {
	AmountMarkers []string `mapstructure:"amount_markers" yaml:"amount_markers"`
	PublicBaseURL string   `mapstructure:"public_base_url" yaml:"public_base_url"`
	OnIngest      bool     `mapstructure:"on_ingest" yaml:"on_ingest"`
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text|json
}

var envBindings = map[string]string{
	"http.port":                 "PORT",
	"http.shutdown_timeout":     "SHUTDOWN_TIMEOUT",
	"storage.db_path":           "DB_PATH",
	"security.release_secret":   "RELEASE_SECRET",
	"security.jwt_secret":       "JWT_SECRET",
	"notify.amqp_url":           "AMQP_URL",
	"notify.amqp_exchange":      "AMQP_EXCHANGE",
	"notify.amqp_routing_key":   "AMQP_ROUTING_KEY",
	"notify.timeout":            "NOTIFY_TIMEOUT",
	"reconcile.amount_markers":  "AMOUNT_MARKERS",
	"reconcile.public_base_url": "PUBLIC_BASE_URL",
	"reconcile.on_ingest":       "RECONCILE_ON_INGEST",
	"logging.level":             "LOG_LEVEL",
	"logging.format":            "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.db_path", "./data/tillsafe.db")
	v.SetDefault("security.admin_token_ttl", time.Hour)
	v.SetDefault("notify.amqp_exchange", "tillsafe.notifications")
	v.SetDefault("notify.amqp_routing_key", "email")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("reconcile.amount_markers", []string{"Ksh", "KES"})
	v.SetDefault("reconcile.public_base_url", "http://localhost:8080")
	v.SetDefault("reconcile.on_ingest", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads the file named by TILLSAFE_CONFIG, if set, then applies
// environment overrides and defaults. The result is not validated.
func Load() (Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Reconcile.AmountMarkers = cleanList(cfg.Reconcile.AmountMarkers)
	return cfg, nil
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every problem that would stop the server from starting.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.HTTP.Port))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	if len(c.Security.ReleaseSecret) < token.MinSecretLength {
		errs = append(errs, fmt.Errorf("RELEASE_SECRET must be at least %d bytes", token.MinSecretLength))
	}
	if len(c.Security.JWTSecret) < token.MinSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", token.MinSecretLength))
	}
	if c.Security.ReleaseSecret != "" && c.Security.ReleaseSecret == c.Security.JWTSecret {
		errs = append(errs, errors.New("RELEASE_SECRET and JWT_SECRET must differ"))
	}
	if c.Notify.Timeout <= 0 {
		errs = append(errs, errors.New("NOTIFY_TIMEOUT must be positive"))
	}
	if u, err := url.Parse(c.Reconcile.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL %q is not an absolute URL", c.Reconcile.PublicBaseURL))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

const redacted = "<redacted>"

// Redacted returns a copy safe to print: secrets are masked and the AMQP URL
// loses its password.
func (c Config) Redacted() Config {
	if c.Security.ReleaseSecret != "" {
		c.Security.ReleaseSecret = redacted
	}
	if c.Security.JWTSecret != "" {
		c.Security.JWTSecret = redacted
	}
	if u, err := url.Parse(c.Notify.AMQPURL); err == nil && c.Notify.AMQPURL != "" {
		c.Notify.AMQPURL = u.Redacted()
	}
	c.Reconcile.AmountMarkers = append([]string(nil), c.Reconcile.AmountMarkers...)
	return c
}
