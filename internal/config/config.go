package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Sync engine knobs
	SaveDebounce     time.Duration // quiet period before a dirty document is committed
	SnapshotInterval time.Duration // periodic save while a document has clients
	DocTTL           time.Duration // unload delay after the last client leaves
	MaxDocs          int           // maximum resident documents
	MaxClientsPerDoc int           // maximum sessions per document room

	// Traffic guards
	UpdateRatePerSec    int // update messages per session per second
	AwarenessRatePerSec int // awareness messages per session per second
	SavesPerMinute      int // save attempts per document per minute

	// Auth
	AuthRequired bool
	JWTSecret    string

	// Observability
	JaegerEndpoint string
	LogFile        string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collabsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		SaveDebounce:     getEnvMillis("SAVE_DEBOUNCE_MS", 3000),
		SnapshotInterval: getEnvMillis("SNAPSHOT_INTERVAL_MS", 60000),
		DocTTL:           getEnvMillis("DOC_TTL_MS", 300000),
		MaxDocs:          getEnvInt("MAX_DOCS", 100),
		MaxClientsPerDoc: getEnvInt("MAX_CLIENTS_PER_DOC", 32),

		UpdateRatePerSec:    getEnvInt("UPDATE_RATE_PER_SEC", 50),
		AwarenessRatePerSec: getEnvInt("AWARENESS_RATE_PER_SEC", 25),
		SavesPerMinute:      getEnvInt("SAVES_PER_MINUTE", 10),

		AuthRequired: getEnvBool("AUTH_REQUIRED", false),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		LogFile:        getEnv("LOG_FILE", ""),
	}

	// Each knob is independently bounded so a bad environment cannot
	// disable persistence or remove the resource limits entirely.
	cfg.SaveDebounce = clampDuration(cfg.SaveDebounce, 50*time.Millisecond, 30*time.Second)
	cfg.SnapshotInterval = clampDuration(cfg.SnapshotInterval, 1*time.Second, 30*time.Minute)
	cfg.DocTTL = clampDuration(cfg.DocTTL, 100*time.Millisecond, 24*time.Hour)
	cfg.MaxDocs = clampInt(cfg.MaxDocs, 1, 10000)
	cfg.MaxClientsPerDoc = clampInt(cfg.MaxClientsPerDoc, 1, 1000)
	cfg.UpdateRatePerSec = clampInt(cfg.UpdateRatePerSec, 1, 1000)
	cfg.AwarenessRatePerSec = clampInt(cfg.AwarenessRatePerSec, 1, 1000)
	cfg.SavesPerMinute = clampInt(cfg.SavesPerMinute, 1, 600)

	// The snapshot interval is a safety net on top of the debounce timer;
	// it never runs more often than the debounce itself.
	if cfg.SnapshotInterval < cfg.SaveDebounce {
		cfg.SnapshotInterval = cfg.SaveDebounce
	}

	if cfg.AuthRequired && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required when AUTH_REQUIRED=true")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func clampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
