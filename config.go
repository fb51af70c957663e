package main

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration. Every setting has a default and
// can be overridden via environment variables; a few common ones are also
// exposed as command-line flags in main.go.
type Config struct {
	Addr      string // HTTP listen address
	StaticDir string // dashboard files, "" disables
	DBPath    string // SQLite database path

	TickInterval      time.Duration
	FishCount         int     // fish spawned at startup
	MaxFish           int     // hard cap on tracked fish (incl. ingested)
	QueueDepth        int     // per-subscriber pending snapshot bound
	OverflowPolicy    string  // "coalesce" or "drop"
	MaxSubscribers    int
	SendTimeout       time.Duration
	HeartbeatInterval time.Duration

	HeadingJitter float64 // max per-tick heading change, degrees
	MinSpeed      float64 // m/s
	MaxSpeed      float64 // m/s
	OriginLat     float64 // spawn area south-west corner
	OriginLon     float64
	SpawnSpread   float64 // degrees of lat/lon the spawn area covers
	Seed          int64   // 0 = derive from clock

	RedisAddr    string // "" disables the Redis mirror
	RedisChannel string
}

// LoadConfig builds a Config from environment variables with defaults.
func LoadConfig() *Config {
	return &Config{
		Addr:      getEnv("ADDR", ":8080"),
		StaticDir: getEnv("STATIC_DIR", ""),
		DBPath:    getEnv("DB_PATH", "oceansense.db"),

		TickInterval:      getEnvDuration("TICK_INTERVAL", 2*time.Second),
		FishCount:         getEnvInt("FISH_COUNT", 3),
		MaxFish:           getEnvInt("MAX_FISH", 200),
		QueueDepth:        getEnvInt("QUEUE_DEPTH", 16),
		OverflowPolicy:    getEnv("OVERFLOW_POLICY", PolicyCoalesce),
		MaxSubscribers:    getEnvInt("MAX_SUBSCRIBERS", 256),
		SendTimeout:       getEnvDuration("SEND_TIMEOUT", 10*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),

		HeadingJitter: getEnvFloat("HEADING_JITTER", 15),
		MinSpeed:      getEnvFloat("MIN_SPEED", 0.5),
		MaxSpeed:      getEnvFloat("MAX_SPEED", 5),
		OriginLat:     getEnvFloat("ORIGIN_LAT", 18.5),
		OriginLon:     getEnvFloat("ORIGIN_LON", 73.8),
		SpawnSpread:   getEnvFloat("SPAWN_SPREAD", 1),
		Seed:          int64(getEnvInt("SEED", 0)),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "telemetry_channel"),
	}
}

// getEnv gets an environment variable with a default fallback
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
