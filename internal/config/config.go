package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerHost string
	ServerPort string

	// Environment is "development" or "production"; it only gates the
	// default-secret warning and CORS strictness.
	Environment string

	// SecretKey signs and verifies the HS256 bearer tokens issued by the
	// auth service.
	SecretKey string

	// AllowedOrigins is the CORS and WebSocket origin allowlist. "*"
	// allows everything (development only).
	AllowedOrigins []string

	// SessionTTL is how long an idle session with no connections survives
	// before the sweeper evicts it.
	SessionTTL time.Duration

	// MaxMessageBytes caps a single inbound WebSocket frame. CRDT updates
	// for large documents can be big, so the default is generous.
	MaxMessageBytes int64

	// Observability
	JaegerEndpoint string
}

const devSecretKey = "default-secret-key"

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost:  getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort:  getEnv("PORT", "1234"),
		Environment: getEnv("APP_ENV", "development"),
		SecretKey:   getEnv("SECRET_KEY", devSecretKey),

		AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "*")),

		SessionTTL:      time.Duration(getEnvInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		MaxMessageBytes: int64(getEnvInt("MAX_MESSAGE_BYTES", 1<<20)),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.Environment == "production" && cfg.SecretKey == devSecretKey {
		return nil, fmt.Errorf("SECRET_KEY is required in production")
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if n, err := fmt.Sscanf(value, "%d", &result); err == nil && n == 1 {
			return result
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
