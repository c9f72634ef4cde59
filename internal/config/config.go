package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	CORSAllowedOrigins []string

	// Payment provider credentials and key material, loaded once at start.
	WechatAppID          string
	WechatMchID          string
	WechatMchSerialNo    string
	WechatPrivateKeyPEM  string
	WechatAPIv3Key       string
	WechatPlatformSerial string
	WechatPlatformCert   string
	WechatBaseURL        string
	PaymentNotifyURL     string

	GatewayTimeout    time.Duration
	IdempotencyTTL    time.Duration
	SyncInitialDelay  time.Duration
	WebhookMaxBody    int64
	RateLimitFormat   string
	MigrationsDir     string
	RunMigrations     bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		WechatAppID:          k.String("WECHAT_APP_ID"),
		WechatMchID:          k.String("WECHAT_MCH_ID"),
		WechatMchSerialNo:    k.String("WECHAT_MCH_SERIAL_NO"),
		WechatPrivateKeyPEM:  readMaybeFile(k.String("WECHAT_PRIVATE_KEY")),
		WechatAPIv3Key:       k.String("WECHAT_APIV3_KEY"),
		WechatPlatformSerial: k.String("WECHAT_PLATFORM_SERIAL_NO"),
		WechatPlatformCert:   readMaybeFile(k.String("WECHAT_PLATFORM_CERT")),
		WechatBaseURL:        valueOrDefault(k.String("WECHAT_BASE_URL"), "https://api.mch.weixin.qq.com"),
		PaymentNotifyURL:     k.String("PAYMENT_NOTIFY_URL"),

		GatewayTimeout:   parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		SyncInitialDelay: parseDuration(k.String("SYNC_INITIAL_DELAY"), "2m"),
		WebhookMaxBody:   k.Int64("WEBHOOK_MAX_BODY"),
		RateLimitFormat:  valueOrDefault(k.String("RATE_LIMIT"), "60-M"),
		MigrationsDir:    valueOrDefault(k.String("MIGRATIONS_DIR"), "migrations"),
		RunMigrations:    parseBool(valueOrDefault(k.String("RUN_MIGRATIONS"), "true")),
	}
	if cfg.WebhookMaxBody <= 0 {
		cfg.WebhookMaxBody = 1 << 20
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.WechatMchID == "" {
		return nil, errors.New("WECHAT_MCH_ID is required")
	}
	if cfg.PaymentNotifyURL == "" {
		return nil, errors.New("PAYMENT_NOTIFY_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// readMaybeFile treats the value as a path when it points at an existing file,
// otherwise returns it verbatim (inline PEM).
func readMaybeFile(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.Contains(trimmed, "-----BEGIN") {
		return trimmed
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		return trimmed
	}
	return string(data)
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
