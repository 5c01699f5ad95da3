package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort          int
	PublicBaseURL     string
	TrustProxyHeaders bool
	DBPath            string
	AuthSecret        string
	AuthMaxAge        time.Duration

	TrackingStore   string
	TrackingLogPath string

	CredentialsKey string
	SenderEmail    string
	SenderSecret   string
	SenderName     string

	SMTPHost    string
	SMTPPort    int
	SMTPTLSMode string

	PoolTTL            time.Duration
	PoolMaxConnections int
	PoolMaxMessages    int
	VerifyTimeout      time.Duration
	SendTimeout        time.Duration
	SendStagger        time.Duration

	PostgresDSN string

	SinkEnabled bool
	SinkPort    int

	LogLevel  string
	LogFormat string
}

func Load() Config {
	httpPort := getEnvInt("HTTP_PORT", 3025)
	return Config{
		HTTPPort:          httpPort,
		PublicBaseURL:     strings.TrimRight(getEnvString("PUBLIC_BASE_URL", "http://localhost:"+strconv.Itoa(httpPort)), "/"),
		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
		DBPath:            getEnvString("DB_PATH", ""),
		AuthSecret:        getEnvString("AUTH_SECRET", ""),
		AuthMaxAge:        getEnvDuration("AUTH_MAX_AGE", 30*24*time.Hour),

		TrackingStore:   strings.ToLower(getEnvString("TRACKING_STORE", "sqlite")),
		TrackingLogPath: getEnvString("TRACKING_LOG_PATH", "tracking.jsonl"),

		CredentialsKey: getEnvString("CREDENTIALS_KEY", ""),
		SenderEmail:    getEnvString("SENDER_EMAIL", ""),
		SenderSecret:   getEnvString("SENDER_SECRET", ""),
		SenderName:     getEnvString("SENDER_NAME", ""),

		SMTPHost:    getEnvString("SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:    getEnvInt("SMTP_PORT", 465),
		SMTPTLSMode: getEnvString("SMTP_TLS_MODE", "implicit"),

		PoolTTL:            getEnvDuration("POOL_TTL", 30*time.Minute),
		PoolMaxConnections: getEnvInt("POOL_MAX_CONNECTIONS", 5),
		PoolMaxMessages:    getEnvInt("POOL_MAX_MESSAGES", 100),
		VerifyTimeout:      getEnvDuration("VERIFY_TIMEOUT", 15*time.Second),
		SendTimeout:        getEnvDuration("SEND_TIMEOUT", 60*time.Second),
		SendStagger:        getEnvDuration("SEND_STAGGER", 300*time.Millisecond),

		PostgresDSN: getEnvString("POSTGRES_DSN", ""),

		SinkEnabled: getEnvBool("SINK_ENABLED", false),
		SinkPort:    getEnvInt("SINK_PORT", 2025),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "text"),
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
