package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	// Durable storage. When DatabaseURL is empty the broker keeps sessions
	// and tokens in process memory, which is only acceptable for development.
	DatabaseURL string

	// Short-lived flow state. When RedisAddr is empty the challenge, state
	// bridge, and authorization code stores fall back to swept in-memory maps.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Intuit / QuickBooks Online leg.
	IntuitClientID     string
	IntuitClientSecret string
	IntuitAuthURL      string
	IntuitTokenURL     string
	IntuitRevokeURL    string
	IntuitScopes       []string

	// Outer (MCP client) leg.
	AllowedRedirectHosts []string
	StateSigningSecret   string

	BrokerTokenTTL       time.Duration
	BrokerRefreshEnabled bool
	FlowStateTTL         time.Duration
	RefreshMargin        time.Duration
	SharedSessionMargin  time.Duration
	LockWaitTimeout      time.Duration

	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	clientID := strings.TrimSpace(os.Getenv("INTUIT_CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("INTUIT_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("INTUIT_CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("INTUIT_CLIENT_SECRET is required")
	}
	signingSecret := strings.TrimSpace(os.Getenv("STATE_SIGNING_SECRET"))
	if signingSecret == "" {
		return Config{}, fmt.Errorf("STATE_SIGNING_SECRET is required")
	}
	if len(signingSecret) < 32 {
		return Config{}, fmt.Errorf("STATE_SIGNING_SECRET must be at least 32 bytes")
	}

	redirectHosts := getList("ALLOWED_REDIRECT_HOSTS", nil)
	if len(redirectHosts) == 0 {
		return Config{}, fmt.Errorf("ALLOWED_REDIRECT_HOSTS is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		ServiceName:          getEnv("SERVICE_NAME", "quickbooks-mcp-broker"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		IntuitClientID:       clientID,
		IntuitClientSecret:   clientSecret,
		IntuitAuthURL:        getEnv("INTUIT_AUTH_URL", "https://appcenter.intuit.com/connect/oauth2"),
		IntuitTokenURL:       getEnv("INTUIT_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"),
		IntuitRevokeURL:      getEnv("INTUIT_REVOKE_URL", "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"),
		IntuitScopes:         getList("INTUIT_SCOPES", []string{"com.intuit.quickbooks.accounting"}),
		AllowedRedirectHosts: redirectHosts,
		StateSigningSecret:   signingSecret,
		BrokerTokenTTL:       getDuration("BROKER_TOKEN_TTL", time.Hour),
		BrokerRefreshEnabled: getBool("BROKER_REFRESH_ENABLED", false),
		FlowStateTTL:         getDuration("FLOW_STATE_TTL", 10*time.Minute),
		RefreshMargin:        getDuration("REFRESH_MARGIN", 5*time.Minute),
		SharedSessionMargin:  getDuration("SHARED_SESSION_MARGIN", 30*time.Minute),
		LockWaitTimeout:      getDuration("LOCK_WAIT_TIMEOUT", 15*time.Second),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
