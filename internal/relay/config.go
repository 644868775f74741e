// Package relay is an in-memory messaging server speaking the live wire
// protocol and the REST surface. It backs local development and the
// integration tests of the sync core.
package relay

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the relay settings.
type Config struct {
	Addr           string
	JWTSecret      string
	AllowedOrigins []string
	LogLevel       string
}

// LoadConfig reads the relay settings from the environment. A .env file in
// the working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:      getEnv("RELAY_ADDR", "127.0.0.1:8080"),
		JWTSecret: getEnv("RELAY_JWT_SECRET", ""),
		LogLevel:  getEnv("RELAY_LOG_LEVEL", "info"),
	}
	for _, o := range strings.Split(getEnv("RELAY_ALLOWED_ORIGINS", "http://localhost:3000"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("RELAY_JWT_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
