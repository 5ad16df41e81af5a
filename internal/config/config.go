package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                   string
	DatabaseURL            string
	NoShowGrace            time.Duration
	StaleSessionCutoff     time.Duration
	FinalizeInterval       time.Duration
	FinalizeBatchSize      int
	RateLimitPerMinute     int
	RateLimitBurst         int
	UserRateLimitPerMinute int
	UserRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                   port,
		DatabaseURL:            os.Getenv("DB_DSN"),
		NoShowGrace:            readDurationMinutes("NO_SHOW_GRACE_MINUTES", 20),
		StaleSessionCutoff:     readDurationMinutes("STALE_SESSION_MINUTES", 60),
		FinalizeInterval:       readDurationSeconds("FINALIZE_INTERVAL_SECONDS", 60),
		FinalizeBatchSize:      readInt("FINALIZE_BATCH_SIZE", 500),
		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 30),
		UserRateLimitPerMinute: readInt("USER_RATE_LIMIT_PER_MIN", 600),
		UserRateLimitBurst:     readInt("USER_RATE_LIMIT_BURST", 120),
	}
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
