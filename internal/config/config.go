package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	AMQP     AMQPConfig
	Payments PaymentsConfig
	Breaker  BreakerConfig

	Providers ProvidersConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// AMQPConfig configures the post-commit settlement event publisher.
// URL empty means events degrade to log-only; settlement never depends on it.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// PaymentsConfig holds platform-wide payment rules.
type PaymentsConfig struct {
	// Currency is the single ledger currency (multi-currency is out of scope).
	Currency string

	// Global amount bounds in minor units; per-provider bounds narrow these.
	GlobalMinMinor int64
	GlobalMaxMinor int64

	// CallbackBaseURL is the public base URL providers call back to,
	// e.g. https://api.example.com; the per-provider webhook path is appended.
	CallbackBaseURL string
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	ProbeTTL         time.Duration
}

// ProviderConfig is the static, read-only configuration of one bank provider.
// SecretKey signs outbound requests and verifies inbound webhooks; never log it.
type ProviderConfig struct {
	BaseURL       string
	MerchantID    string
	SecretKey     string
	CommissionBps int64
	MinMinor      int64
	MaxMinor      int64
}

type ProvidersConfig struct {
	Payline ProviderConfig
	QRPay   ProviderConfig
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = optDuration("JWT_REFRESH_TTL")

	c.AMQP.URL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	c.AMQP.Exchange = strings.TrimSpace(os.Getenv("AMQP_EXCHANGE"))

	c.Payments.Currency = strings.TrimSpace(os.Getenv("PAYMENTS_CURRENCY"))
	c.Payments.GlobalMinMinor = optInt64("PAYMENTS_MIN_MINOR")
	c.Payments.GlobalMaxMinor = optInt64("PAYMENTS_MAX_MINOR")
	c.Payments.CallbackBaseURL = strings.TrimSpace(os.Getenv("PAYMENTS_CALLBACK_BASE_URL"))

	c.Breaker.FailureThreshold = int(optInt64("BREAKER_FAILURE_THRESHOLD"))
	c.Breaker.RecoveryTimeout = optDuration("BREAKER_RECOVERY_TIMEOUT")
	c.Breaker.ProbeTTL = optDuration("BREAKER_PROBE_TTL")

	c.Providers.Payline = loadProvider("PAYLINE")
	c.Providers.QRPay = loadProvider("QRPAY")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadProvider(prefix string) ProviderConfig {
	return ProviderConfig{
		BaseURL:       strings.TrimSpace(os.Getenv(prefix + "_BASE_URL")),
		MerchantID:    strings.TrimSpace(os.Getenv(prefix + "_MERCHANT_ID")),
		SecretKey:     os.Getenv(prefix + "_SECRET_KEY"),
		CommissionBps: optInt64(prefix + "_COMMISSION_BPS"),
		MinMinor:      optInt64(prefix + "_MIN_MINOR"),
		MaxMinor:      optInt64(prefix + "_MAX_MINOR"),
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		errs = append(errs, errors.New("AMQP_EXCHANGE is required when AMQP_URL is set"))
	}

	if c.Payments.Currency == "" {
		errs = append(errs, errors.New("PAYMENTS_CURRENCY is required"))
	}
	if c.Payments.GlobalMinMinor < 0 {
		errs = append(errs, errors.New("PAYMENTS_MIN_MINOR must be >= 0"))
	}
	if c.Payments.GlobalMaxMinor > 0 && c.Payments.GlobalMaxMinor < c.Payments.GlobalMinMinor {
		errs = append(errs, errors.New("PAYMENTS_MAX_MINOR must be >= PAYMENTS_MIN_MINOR"))
	}
	if c.Payments.CallbackBaseURL == "" {
		errs = append(errs, errors.New("PAYMENTS_CALLBACK_BASE_URL is required"))
	}

	for _, p := range []struct {
		name string
		cfg  ProviderConfig
	}{
		{"PAYLINE", c.Providers.Payline},
		{"QRPAY", c.Providers.QRPay},
	} {
		if p.cfg.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s_BASE_URL is required", p.name))
		}
		if p.cfg.MerchantID == "" {
			errs = append(errs, fmt.Errorf("%s_MERCHANT_ID is required", p.name))
		}
		if p.cfg.SecretKey == "" {
			errs = append(errs, fmt.Errorf("%s_SECRET_KEY is required", p.name))
		}
		if p.cfg.CommissionBps < 0 || p.cfg.CommissionBps > 10_000 {
			errs = append(errs, fmt.Errorf("%s_COMMISSION_BPS must be within [0,10000], got %d", p.name, p.cfg.CommissionBps))
		}
		if p.cfg.MaxMinor > 0 && p.cfg.MaxMinor < p.cfg.MinMinor {
			errs = append(errs, fmt.Errorf("%s_MAX_MINOR must be >= %s_MIN_MINOR", p.name, p.name))
		}
	}

	// Breaker defaults; zero values are filled rather than rejected because the
	// breaker is a liveness optimization, not a correctness requirement.
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = 30 * time.Second
	}
	if c.Breaker.ProbeTTL <= 0 {
		c.Breaker.ProbeTTL = 10 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt64(key string) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
