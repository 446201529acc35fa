package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration.
type Server struct {
	OpsAddr  string
	LogLevel string

	Postgres  PostgresConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	S3        S3Config
	Keys      KeysConfig
	Retention RetentionConfig
	Retry     RetryConfig

	// RiskLexiconPath points at an optional operator lexicon merged into the curated one.
	RiskLexiconPath string
}

// PostgresConfig enables the Postgres stores when DSN is set.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig enables the distributed sweeper lock when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig enables the operator alert sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers    []string
	AlertTopic string
}

// S3Config enables ciphertext blob storage when Bucket is set.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string
	UsePathStyle bool

	AccessKeyID     string
	SecretAccessKey string
}

// KeysConfig carries master secrets per key version.
type KeysConfig struct {
	ActiveVersion  int
	DeploymentSalt string
	Iterations     int
}

// RetentionConfig tunes the sweeper. The retention periods themselves are policy constants.
type RetentionConfig struct {
	SweepInterval time.Duration
	BatchSize     int
	LockTTL       time.Duration
	VerifyChain   bool
}

// RetryConfig bounds storage retries and the circuit breaker.
type RetryConfig struct {
	MaxAttempts      int
	InitialInterval  time.Duration
	MaxElapsed       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	cfg := Server{
		OpsAddr:         getString("CAREVAULT_OPS_ADDR", ":9090"),
		LogLevel:        getString("LOG_LEVEL", "info"),
		RiskLexiconPath: os.Getenv("RISK_LEXICON_PATH"),
		Postgres: PostgresConfig{
			DSN:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(os.Getenv("KAFKA_BROKERS")),
			AlertTopic: getString("KAFKA_ALERT_TOPIC", "carevault.operator-alerts"),
		},
		S3: S3Config{
			Bucket:       os.Getenv("S3_BUCKET"),
			Region:       getString("S3_REGION", "us-east-1"),
			Endpoint:     os.Getenv("S3_ENDPOINT"),
			Prefix:       getString("S3_PREFIX", "records/"),
			UsePathStyle: os.Getenv("S3_USE_PATH_STYLE") == "true",

			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Keys: KeysConfig{
			DeploymentSalt: getString("KEY_DEPLOYMENT_SALT", "carevault-dev"),
		},
		Retention: RetentionConfig{
			VerifyChain: os.Getenv("RETENTION_VERIFY_CHAIN") != "false",
		},
	}

	var err error
	if cfg.Keys.ActiveVersion, err = getInt("KEY_ACTIVE_VERSION", 1); err != nil {
		return Server{}, err
	}
	if cfg.Keys.Iterations, err = getInt("KEY_PBKDF2_ITERATIONS", 600000); err != nil {
		return Server{}, err
	}
	if cfg.Retention.SweepInterval, err = getDuration("RETENTION_SWEEP_INTERVAL", 24*time.Hour); err != nil {
		return Server{}, err
	}
	if cfg.Retention.BatchSize, err = getInt("RETENTION_BATCH_SIZE", 500); err != nil {
		return Server{}, err
	}
	if cfg.Retention.LockTTL, err = getDuration("RETENTION_LOCK_TTL", 30*time.Minute); err != nil {
		return Server{}, err
	}
	if cfg.Retry.MaxAttempts, err = getInt("STORE_RETRY_ATTEMPTS", 4); err != nil {
		return Server{}, err
	}
	if cfg.Retry.InitialInterval, err = getDuration("STORE_RETRY_INITIAL", 100*time.Millisecond); err != nil {
		return Server{}, err
	}
	if cfg.Retry.MaxElapsed, err = getDuration("STORE_RETRY_MAX_ELAPSED", 5*time.Second); err != nil {
		return Server{}, err
	}
	if cfg.Retry.BreakerThreshold, err = getInt("STORE_BREAKER_THRESHOLD", 5); err != nil {
		return Server{}, err
	}
	if cfg.Retry.BreakerCooldown, err = getDuration("STORE_BREAKER_COOLDOWN", 30*time.Second); err != nil {
		return Server{}, err
	}
	if cfg.Keys.ActiveVersion < 1 {
		return Server{}, fmt.Errorf("KEY_ACTIVE_VERSION must be >= 1, got %d", cfg.Keys.ActiveVersion)
	}
	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
