package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures server and protocol configuration. Cadence values (sweep
// interval) are deployment parameters, not correctness parameters; the claim
// protocol only depends on the thresholds and windows.
type Config struct {
	Addr          string
	JWTSigningKey string

	// PostgresDSN selects the Postgres-backed stores when set; otherwise the
	// in-memory stores are used (development, tests).
	PostgresDSN string

	// RedisURL enables the sweep lease so only one replica sweeps at a time.
	RedisURL string

	// KafkaBrokers enables audit fan-out to Kafka when non-empty.
	KafkaBrokers []string
	AuditTopic   string

	SweepInterval    time.Duration
	SweepConcurrency int

	// MinInactivityThreshold is the floor for a vault's configured threshold.
	MinInactivityThreshold time.Duration

	// ClaimValidityWindow bounds how long an eligible claim may wait for
	// quorum before expiring. Zero disables expiry.
	ClaimValidityWindow time.Duration

	// VetoThreshold is the number of guardian reject votes that moves a claim
	// to Rejected. Zero disables the veto path; reject votes are then
	// informational only.
	VetoThreshold int

	// TransferEndpoint is the custody service releases are executed against.
	// Empty selects the local acknowledging executor (development).
	TransferEndpoint string
	TransferTimeout  time.Duration
	TransferRetries  int
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:                   envOr("HEIRLOOM_ADDR", ":8080"),
		JWTSigningKey:          envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		PostgresDSN:            os.Getenv("POSTGRES_DSN"),
		RedisURL:               os.Getenv("REDIS_URL"),
		AuditTopic:             envOr("AUDIT_TOPIC", "heirloom.audit"),
		SweepInterval:          envDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepConcurrency:       envInt("SWEEP_CONCURRENCY", 8),
		MinInactivityThreshold: envDuration("MIN_INACTIVITY_THRESHOLD", 30*24*time.Hour),
		ClaimValidityWindow:    envDuration("CLAIM_VALIDITY_WINDOW", 0),
		VetoThreshold:          envInt("VETO_THRESHOLD", 0),
		TransferEndpoint:       os.Getenv("TRANSFER_ENDPOINT"),
		TransferTimeout:        envDuration("TRANSFER_TIMEOUT", 30*time.Second),
		TransferRetries:        envInt("TRANSFER_RETRIES", 3),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
