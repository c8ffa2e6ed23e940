package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	HTTPPort string
	LogLevel string

	StoreDriver string
	DatabaseURL string

	JWTSecret            string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	RememberMeRefreshTTL time.Duration

	LockoutThreshold int
	LockoutWindow    time.Duration

	LoginRatePerMinute int
	LoginRateBurst     int

	CookieSecureMode   string
	TrustProxy         bool
	CORSAllowedOrigins []string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownTimeout  time.Duration

	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

func Load() (Config, error) {
	cfg := Config{
		AppEnv:                 strings.ToLower(env("APP_ENV", "development")),
		HTTPPort:               env("HTTP_PORT", "8080"),
		LogLevel:               strings.ToLower(env("LOG_LEVEL", "info")),
		StoreDriver:            strings.ToLower(env("STORE_DRIVER", "postgres")),
		DatabaseURL:            env("DATABASE_URL", ""),
		JWTSecret:              env("JWT_SECRET", ""),
		AccessTokenTTL:         envDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL:        envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		RememberMeRefreshTTL:   envDuration("REMEMBER_ME_REFRESH_TTL", 30*24*time.Hour),
		LockoutThreshold:       envInt("LOCKOUT_THRESHOLD", 5),
		LockoutWindow:          envDuration("LOCKOUT_WINDOW", 15*time.Minute),
		LoginRatePerMinute:     envInt("LOGIN_RATE_PER_MINUTE", 10),
		LoginRateBurst:         envInt("LOGIN_RATE_BURST", 5),
		CookieSecureMode:       strings.ToLower(env("COOKIE_SECURE", "auto")),
		TrustProxy:             envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:     envCSV("CORS_ALLOWED_ORIGINS"),
		HTTPReadTimeout:        envDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout:       envDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		HTTPIdleTimeout:        envDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:        envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		BootstrapAdminEmail:    env("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword: env("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}

	switch cfg.StoreDriver {
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
		if cfg.IsProduction() {
			return Config{}, fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be one of: postgres, memory")
	}
	if len(cfg.JWTSecret) < 32 {
		return Config{}, fmt.Errorf("JWT_SECRET must be set (>=32 bytes)")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 || cfg.RememberMeRefreshTTL <= 0 {
		return Config{}, fmt.Errorf("token TTLs must be positive")
	}
	if cfg.AccessTokenTTL >= cfg.RefreshTokenTTL {
		return Config{}, fmt.Errorf("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	if cfg.LockoutThreshold < 1 || cfg.LockoutWindow <= 0 {
		return Config{}, fmt.Errorf("invalid lockout policy")
	}
	switch cfg.CookieSecureMode {
	case "auto", "always", "never":
	case "true", "1":
		cfg.CookieSecureMode = "always"
	case "false", "0":
		cfg.CookieSecureMode = "never"
	default:
		return Config{}, fmt.Errorf("COOKIE_SECURE must be one of: auto, always, never")
	}
	if cfg.IsProduction() && cfg.CookieSecureMode == "never" {
		return Config{}, fmt.Errorf("COOKIE_SECURE=never is not allowed in production")
	}
	if (cfg.BootstrapAdminEmail == "") != (cfg.BootstrapAdminPassword == "") {
		return Config{}, fmt.Errorf("BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD must be set together")
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

func (c Config) ListenAddr() string {
	return ":" + strings.TrimPrefix(c.HTTPPort, ":")
}

func env(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

// envDuration accepts Go durations ("15m") or bare seconds.
func envDuration(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return d
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
