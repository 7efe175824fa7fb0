package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string
	// APIBaseURL selects the REST persistence backend and identity service.
	// When empty the server stores descriptions in Postgres itself.
	APIBaseURL    string
	DatabaseURL   string
	MigrationsDir string
	// Secret signs service tokens for the server-to-server endpoints.
	Secret           string
	RedisURL         string
	StateCacheTTL    time.Duration
	DebounceInterval time.Duration
	PersistTimeout   time.Duration
	MaskEmailVisible int
	CORSOrigin       string
	MeiliURL         string
	MeiliMasterKey   string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3UseSSL         bool
	RevisionsDir     string
	LogLevel         string
	NodeID           string
}

func Load() Config {
	return Config{
		Addr:             getenv("LIVE_ADDR", ":3100"),
		APIBaseURL:       strings.TrimRight(getenv("API_BASE_URL", ""), "/"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		MigrationsDir:    getenv("MIGRATIONS_DIR", ""),
		Secret:           getenv("LIVE_SECRET", "docsync-dev-secret"),
		RedisURL:         getenv("REDIS_URL", ""),
		StateCacheTTL:    getenvDuration("STATE_CACHE_TTL", 24*time.Hour),
		DebounceInterval: getenvDuration("DEBOUNCE_INTERVAL", time.Second),
		PersistTimeout:   getenvDuration("PERSIST_TIMEOUT", 15*time.Second),
		MaskEmailVisible: getenvInt("MASK_EMAIL_VISIBLE", 3),
		CORSOrigin:       getenv("CORS_ORIGIN", "*"),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		S3Endpoint:       getenv("S3_ENDPOINT", ""),
		S3AccessKey:      getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getenv("S3_SECRET_KEY", ""),
		S3Bucket:         getenv("S3_BUCKET", "docsync-snapshots"),
		S3UseSSL:         getenvBool("S3_USE_SSL", false),
		RevisionsDir:     getenv("REVISIONS_DIR", "./data/revisions"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		NodeID:           getenv("NODE_ID", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("1500ms") or plain milliseconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
