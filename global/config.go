package global

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the process configuration, read once from the environment at
// startup and handed to the components that need it. Nothing else in the
// relay reads env vars directly.
type AppConfig struct {
	ListenAddr string
	NodeID     int64

	MongoURI      string
	MongoDatabase string
	MongoUsername string
	MongoPassword string
	MongoMaxPool  uint64

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret []byte

	HistoryPageSize int64
	CallTimeout     time.Duration
	SendQueueSize   int
	FanoutWorkers   int
	FanoutQueue     int
	PresenceTTL     time.Duration

	AllowedOrigins []string
}

func Load() *AppConfig {
	return &AppConfig{
		ListenAddr: env("LISTEN_ADDR", ":8080"),
		NodeID:     int64(envInt("NODE_ID", 1)),

		MongoURI:      env("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: env("MONGO_DATABASE", "chatrelay"),
		MongoUsername: env("MONGO_USERNAME", ""),
		MongoPassword: env("MONGO_PASSWORD", ""),
		MongoMaxPool:  uint64(envInt("MONGO_MAX_POOL", 20)),

		RedisAddr:     env("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: env("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		JWTSecret: []byte(env("JWT_SECRET", "dev-secret-please-change")),

		HistoryPageSize: int64(envInt("HISTORY_PAGE_SIZE", 100)),
		CallTimeout:     envDuration("CALL_TIMEOUT_MS", 5000) * time.Millisecond,
		SendQueueSize:   envInt("SEND_QUEUE_SIZE", 256),
		// One worker keeps fan-out in frame-processing order; raise only if
		// cross-message ordering does not matter for your clients.
		FanoutWorkers: envInt("FANOUT_WORKERS", 1),
		FanoutQueue:   envInt("FANOUT_QUEUE", 1024),
		PresenceTTL:   envDuration("PRESENCE_TTL_SECONDS", 60) * time.Second,

		AllowedOrigins: envList("ALLOWED_ORIGINS"),
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def int) time.Duration {
	return time.Duration(envInt(key, def))
}

// envList parses a comma-separated list; empty means "allow all" for origins.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
