// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits with an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gradcafe/ingest/internal/store"
)

// Common holds the settings both binaries share.
type Common struct {
	DatabaseURL     string
	RabbitMQURL     string
	Exchange        string
	Queue           string
	DeadLetterQueue string
	SourceName      string
	OpTimeout       time.Duration
}

// Publisher holds the runtime configuration of cmd/publisher.
type Publisher struct {
	Common
	Port           string
	RedisURL       string
	SourceURL      string  // paged HTTP source; takes precedence over SeedJSON
	SeedJSON       string  // JSON array or NDJSON file
	SourceRPS      float64 // 0 disables pacing
	IngestLimit    int
	IngestInterval time.Duration // 0 disables the scheduler
	RunLeaseTTL    time.Duration
}

// Worker holds the runtime configuration of cmd/worker.
type Worker struct {
	Common
	Port           string
	GRPCPort       string
	Concurrency    int
	ConflictPolicy store.Policy
}

func loadCommon() (Common, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return Common{}, fmt.Errorf("DATABASE_URL is required")
	}

	amqpURL := os.Getenv("RABBITMQ_URL")
	if amqpURL == "" {
		return Common{}, fmt.Errorf("RABBITMQ_URL is required")
	}

	timeout, err := positiveInt("OP_TIMEOUT_SECONDS", 10)
	if err != nil {
		return Common{}, err
	}

	return Common{
		DatabaseURL:     dbURL,
		RabbitMQURL:     amqpURL,
		Exchange:        getenv("AMQP_EXCHANGE", "admissions"),
		Queue:           getenv("AMQP_QUEUE", "admissions_q"),
		DeadLetterQueue: getenv("AMQP_DEAD_LETTER_QUEUE", "admissions_dlq"),
		SourceName:      getenv("SOURCE_NAME", "gradcafe"),
		OpTimeout:       time.Duration(timeout) * time.Second,
	}, nil
}

// LoadPublisher reads environment variables and returns a validated config.
func LoadPublisher() (*Publisher, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	sourceURL := os.Getenv("SOURCE_URL")
	seed := os.Getenv("SEED_JSON")
	if sourceURL == "" && seed == "" {
		return nil, fmt.Errorf("one of SOURCE_URL or SEED_JSON is required")
	}

	rps := 2.0
	if s := os.Getenv("SOURCE_RPS"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("SOURCE_RPS must be a non-negative number, got %q", s)
		}
		rps = v
	}

	limit, err := positiveInt("INGEST_LIMIT", 100)
	if err != nil {
		return nil, err
	}

	interval := 0
	if s := os.Getenv("INGEST_INTERVAL_MINUTES"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("INGEST_INTERVAL_MINUTES must be a non-negative integer, got %q", s)
		}
		interval = v
	}

	lease, err := positiveInt("RUN_LEASE_SECONDS", 30)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		Common:         common,
		Port:           getenv("PUBLISHER_PORT", "8080"),
		RedisURL:       redisURL,
		SourceURL:      sourceURL,
		SeedJSON:       seed,
		SourceRPS:      rps,
		IngestLimit:    limit,
		IngestInterval: time.Duration(interval) * time.Minute,
		RunLeaseTTL:    time.Duration(lease) * time.Second,
	}, nil
}

// LoadWorker reads environment variables and returns a validated config.
func LoadWorker() (*Worker, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	concurrency, err := positiveInt("WORKER_CONCURRENCY", 1)
	if err != nil {
		return nil, err
	}

	policy, err := store.ParsePolicy(getenv("CONFLICT_POLICY", string(store.PolicyRefresh)))
	if err != nil {
		return nil, fmt.Errorf("CONFLICT_POLICY: %w", err)
	}

	return &Worker{
		Common:         common,
		Port:           getenv("WORKER_PORT", "8081"),
		GRPCPort:       getenv("WORKER_GRPC_PORT", "9091"),
		Concurrency:    concurrency,
		ConflictPolicy: policy,
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func positiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, s)
	}
	return v, nil
}
