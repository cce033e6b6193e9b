package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const minCookieSecretLength = 32

type Config struct {
	AppEnv        string
	Port          string
	BaseURL       string
	SentryDSN     string
	SentryRelease string

	TrustProxy        bool
	TrustedProxyCount int

	DatabaseURL            string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBConnMaxLifetime      time.Duration
	DBConnMaxIdleTime      time.Duration
	RunMigrationsOnStartup bool

	CookieSecret string
	SessionTTL   time.Duration

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration

	CronSecret        string
	CleanupBatchSize  int
	OAuthClientsFile  string
	OAuthCodeTTL      time.Duration
	OAuthAccessTTL    time.Duration
	OAuthRefreshTTL   time.Duration
	OAuthAllowDynamic bool
}

// Lookup returns the raw value of an environment variable, or "" if unset.
type Lookup func(name string) string

func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

func Load(lookup Lookup) (Config, error) {
	env := reader{lookup: lookup}

	databaseURL, err := env.must("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	cookieSecret, err := env.must("COOKIE_SECRET")
	if err != nil {
		return Config{}, err
	}
	if len(cookieSecret) < minCookieSecretLength {
		return Config{}, fmt.Errorf("COOKIE_SECRET must be at least %d characters", minCookieSecretLength)
	}

	baseURL := strings.TrimRight(env.orDefault("BASE_URL", ""), "/")
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return Config{}, fmt.Errorf("BASE_URL must be an absolute http(s) origin")
		}
		baseURL = parsed.Scheme + "://" + parsed.Host
	}

	return Config{
		AppEnv:        env.orDefault("APP_ENV", "development"),
		Port:          env.orDefault("PORT", "8080"),
		BaseURL:       baseURL,
		SentryDSN:     env.orDefault("SENTRY_DSN", ""),
		SentryRelease: env.orDefault("SENTRY_RELEASE", ""),

		TrustProxy:        env.boolOrDefault("TRUST_PROXY", false),
		TrustedProxyCount: env.intOrDefault("TRUSTED_PROXY_COUNT", 1),

		DatabaseURL:            databaseURL,
		DBMaxOpenConns:         env.intOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:         env.intOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime:      env.minutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime:      env.minutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrationsOnStartup: env.boolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),

		CookieSecret: cookieSecret,
		SessionTTL:   env.daysOrDefault("SESSION_TTL_DAYS", 30),

		LoginRateLimitMax:    env.intOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: env.secondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),

		CronSecret:        env.orDefault("CRON_SECRET", ""),
		CleanupBatchSize:  env.intOrDefault("OAUTH_CLEANUP_BATCH_SIZE", 500),
		OAuthClientsFile:  env.orDefault("OAUTH_CLIENTS_FILE", ""),
		OAuthCodeTTL:      env.minutesOrDefault("OAUTH_CODE_TTL_MINUTES", 10),
		OAuthAccessTTL:    env.minutesOrDefault("OAUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		OAuthRefreshTTL:   env.daysOrDefault("OAUTH_REFRESH_TOKEN_TTL_DAYS", 30),
		OAuthAllowDynamic: env.boolOrDefault("OAUTH_ALLOW_DYNAMIC_REGISTRATION", true),
	}, nil
}

type reader struct {
	lookup Lookup
}

func (e reader) get(name string) string {
	if e.lookup == nil {
		return ""
	}
	return strings.TrimSpace(e.lookup(name))
}

func (e reader) must(name string) (string, error) {
	value := e.get(name)
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func (e reader) orDefault(name, fallback string) string {
	value := e.get(name)
	if value == "" {
		return fallback
	}
	return value
}

func (e reader) intOrDefault(name string, fallback int) int {
	value := e.get(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func (e reader) minutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(e.intOrDefault(name, fallback)) * time.Minute
}

func (e reader) daysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(e.intOrDefault(name, fallback)) * 24 * time.Hour
}

func (e reader) secondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(e.intOrDefault(name, fallback)) * time.Second
}

func (e reader) boolOrDefault(name string, fallback bool) bool {
	return ParseBool(e.get(name), fallback)
}

func ParseBool(value string, fallback bool) bool {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
