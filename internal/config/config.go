package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tunaaoguzhann/qr-login/core"
)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxy      bool          `mapstructure:"trust_proxy"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type StorageConfig struct {
	// Backend is one of memory, redis, sql.
	Backend     string        `mapstructure:"backend"`
	Driver      string        `mapstructure:"driver"`
	DSN         string        `mapstructure:"dsn"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
	RedisTTL    time.Duration `mapstructure:"redis_ttl"`
	LogQueries  bool          `mapstructure:"log_queries"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CleanupConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

type ScanLoginConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	TokenExpiryMinutes     int           `mapstructure:"token_expiry_minutes"`
	QRCodeSizePixels       int           `mapstructure:"qr_code_size_pixels"`
	PollingIntervalSeconds int           `mapstructure:"polling_interval_seconds"`
	TokenSecretLength      int           `mapstructure:"token_secret_length"`
	LoginSuccessRedirect   string        `mapstructure:"login_success_redirect"`
	ConfirmURL             string        `mapstructure:"confirm_url"`
	SigningKey             string        `mapstructure:"signing_key"`
	RateLimit              int           `mapstructure:"rate_limit"`
	RateWindow             time.Duration `mapstructure:"rate_window"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	ScanLogin ScanLoginConfig `mapstructure:"scan_login"`
}

func setDefaults(v *viper.Viper) {
	def := core.DefaultOptions()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "qr-login.db")
	v.SetDefault("storage.redis_addr", "")
	v.SetDefault("storage.redis_prefix", "qr-login:")
	v.SetDefault("storage.redis_ttl", 24*time.Hour)
	v.SetDefault("storage.log_queries", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("cleanup.interval", 10*time.Minute)
	v.SetDefault("cleanup.retention", 24*time.Hour)

	v.SetDefault("scan_login.enabled", def.Enabled)
	v.SetDefault("scan_login.token_expiry_minutes", int(def.TokenTTL/time.Minute))
	v.SetDefault("scan_login.qr_code_size_pixels", def.QRCodeSize)
	v.SetDefault("scan_login.polling_interval_seconds", int(def.PollInterval/time.Second))
	v.SetDefault("scan_login.token_secret_length", def.SecretLength)
	v.SetDefault("scan_login.login_success_redirect", def.LoginSuccessRedirect)
	v.SetDefault("scan_login.confirm_url", def.ConfirmURL)
	v.SetDefault("scan_login.signing_key", "")
	v.SetDefault("scan_login.rate_limit", 0)
	v.SetDefault("scan_login.rate_window", def.RateWindow)
}

// Load reads the optional YAML file at path, then applies QRLOGIN_*
// environment overrides, e.g. QRLOGIN_SCAN_LOGIN_ENABLED=false.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("QRLOGIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ScanLoginOptions converts the file-level units into core.Options.
func (c *Config) ScanLoginOptions() core.Options {
	s := c.ScanLogin
	return core.Options{
		Enabled:              s.Enabled,
		TokenTTL:             time.Duration(s.TokenExpiryMinutes) * time.Minute,
		QRCodeSize:           s.QRCodeSizePixels,
		PollInterval:         time.Duration(s.PollingIntervalSeconds) * time.Second,
		SecretLength:         s.TokenSecretLength,
		LoginSuccessRedirect: s.LoginSuccessRedirect,
		ConfirmURL:           s.ConfirmURL,
		SigningKey:           s.SigningKey,
		RateLimit:            s.RateLimit,
		RateWindow:           s.RateWindow,
	}
}

func (c *Config) Validate() error {
	var errs []string
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, "storage.redis_addr is required for the redis backend")
		}
	case "sql":
		if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
			errs = append(errs, "storage.driver must be sqlite or postgres")
		}
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the sql backend")
		}
	default:
		errs = append(errs, "storage.backend must be memory, redis or sql")
	}
	if c.Cleanup.Interval < 0 {
		errs = append(errs, "cleanup.interval must not be negative")
	}
	if c.Cleanup.Retention <= 0 {
		errs = append(errs, "cleanup.retention must be positive")
	}
	if c.Cleanup.Retention > 0 && c.Cleanup.Retention < time.Duration(c.ScanLogin.TokenExpiryMinutes)*time.Minute {
		errs = append(errs, "cleanup.retention must not be shorter than the token expiry")
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisTTL > 0 && c.Storage.RedisTTL < c.Cleanup.Retention {
		errs = append(errs, "storage.redis_ttl must not be shorter than cleanup.retention")
	}
	if err := c.ScanLoginOptions().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
