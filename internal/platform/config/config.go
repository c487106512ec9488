package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything the orchestrator needs from the environment so
// main stays lean.
type Config struct {
	Addr string

	// APIBaseURL points at the billing/identity backend (consumed, not owned).
	APIBaseURL string

	// AuthCookieName is the HttpOnly cookie the backend issues on login.
	AuthCookieName string

	// LandingPath and PlatformPath are the two navigation targets the decision
	// engine knows about.
	LandingPath  string
	PlatformPath string

	AuthCacheTTL time.Duration

	PollInterval time.Duration
	PollTimeout  time.Duration

	LoopWindow    time.Duration
	LoopThreshold int
	LoopCooldown  time.Duration

	Redis RedisConfig

	// PostgresURL enables the postgres flag store when set and Redis is not.
	PostgresURL string

	Kafka KafkaConfig
}

// RedisConfig mirrors the connection knobs the platform redis client accepts.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the optional funnel-event publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds the config from environment variables with development
// defaults that match the hosted backend contract.
func FromEnv() Config {
	cfg := Config{
		Addr:           envOr("FUNNEL_ADDR", ":8090"),
		APIBaseURL:     envOr("FUNNEL_API_BASE_URL", "http://localhost:8000/api/v1"),
		AuthCookieName: envOr("FUNNEL_AUTH_COOKIE", "access_token"),
		LandingPath:    envOr("FUNNEL_LANDING_PATH", "/"),
		PlatformPath:   envOr("FUNNEL_PLATFORM_PATH", "/platform"),
		AuthCacheTTL:   envDurationOr("FUNNEL_AUTH_CACHE_TTL", 30*time.Second),
		PollInterval:   envDurationOr("FUNNEL_POLL_INTERVAL", 4*time.Second),
		PollTimeout:    envDurationOr("FUNNEL_POLL_TIMEOUT", 2*time.Minute),
		LoopWindow:     envDurationOr("FUNNEL_LOOP_WINDOW", 4*time.Second),
		LoopThreshold:  envIntOr("FUNNEL_LOOP_THRESHOLD", 2),
		LoopCooldown:   envDurationOr("FUNNEL_LOOP_COOLDOWN", 15*time.Second),
		PostgresURL:    os.Getenv("FUNNEL_POSTGRES_URL"),
	}

	cfg.Redis = RedisConfig{
		URL:          os.Getenv("FUNNEL_REDIS_URL"),
		PoolSize:     envIntOr("FUNNEL_REDIS_POOL_SIZE", 10),
		MinIdleConns: envIntOr("FUNNEL_REDIS_MIN_IDLE", 2),
		DialTimeout:  envDurationOr("FUNNEL_REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDurationOr("FUNNEL_REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: envDurationOr("FUNNEL_REDIS_WRITE_TIMEOUT", 3*time.Second),
	}

	if brokers := os.Getenv("FUNNEL_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka = KafkaConfig{
			Brokers: splitAndTrim(brokers),
			Topic:   envOr("FUNNEL_KAFKA_TOPIC", "funnel.events"),
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
