package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string
	RedisAddr   string
	FrontendURL string
	Port        string

	// Collaboration tuning.
	HeartbeatInterval time.Duration // websocket ping cadence
	MissedHeartbeats  int           // pings missed before the server closes
	IdleTimeout       time.Duration // no traffic before a connection is marked idle
	PresenceGrace     time.Duration // disconnected participant retention
	TypingTTL         time.Duration // typing indicator debounce
	SnapshotEvery     int           // committed ops between snapshot writes
}

func Load() *Config {
	return &Config{
		DatabaseURL:       getEnv("DATABASE_URL", "postgres://localhost:5432/jddb?sslmode=disable"),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		FrontendURL:       getEnv("FRONTEND_URL", "http://localhost:3000"),
		Port:              getEnv("PORT", "8080"),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		MissedHeartbeats:  getInt("MISSED_HEARTBEATS", 3),
		IdleTimeout:       getDuration("IDLE_TIMEOUT", 2*time.Minute),
		PresenceGrace:     getDuration("PRESENCE_GRACE", 45*time.Second),
		TypingTTL:         getDuration("TYPING_TTL", 2*time.Second),
		SnapshotEvery:     getInt("SNAPSHOT_EVERY", 20),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
